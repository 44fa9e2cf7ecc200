package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/configloader"
	"stake_orchestrator/internal/pkg/metrics"
)

var gwei = decimal.New(1, 9)

// FeePolicy holds the multipliers of fee estimation and escalation.
type FeePolicy struct {
	BaseFeeMultiplier     decimal.Decimal
	LegacyMultiplier      decimal.Decimal
	DefaultTip            *big.Int
	FallbackGasPrice      *big.Int
	GasLimitMarginPercent int
	MaxRetries            int
	// BumpMultipliers[i] and BumpTips[i] apply to retry i+1; the last entry repeats.
	BumpMultipliers []decimal.Decimal
	BumpTips        []*big.Int
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		BaseFeeMultiplier:     decimal.RequireFromString("1.2"),
		LegacyMultiplier:      decimal.RequireFromString("1.25"),
		DefaultTip:            gweiToWei(decimal.NewFromInt(2)),
		FallbackGasPrice:      gweiToWei(decimal.NewFromInt(1)),
		GasLimitMarginPercent: 18,
		MaxRetries:            2,
		BumpMultipliers:       []decimal.Decimal{decimal.RequireFromString("1.35"), decimal.RequireFromString("1.6")},
		BumpTips:              []*big.Int{gweiToWei(decimal.NewFromInt(1)), gweiToWei(decimal.NewFromInt(2))},
	}
}

// FeePolicyFrom parses the fees config section.
func FeePolicyFrom(cfg configloader.FeesConfig) (FeePolicy, error) {
	p := FeePolicy{
		GasLimitMarginPercent: cfg.GasLimitMarginPercent,
		MaxRetries:            cfg.MaxRetries,
	}
	var err error
	if p.BaseFeeMultiplier, err = decimal.NewFromString(cfg.BaseFeeMultiplier); err != nil {
		return FeePolicy{}, fmt.Errorf("invalid fees.baseFeeMultiplier: %w", err)
	}
	if p.LegacyMultiplier, err = decimal.NewFromString(cfg.LegacyMultiplier); err != nil {
		return FeePolicy{}, fmt.Errorf("invalid fees.legacyMultiplier: %w", err)
	}
	tip, err := decimal.NewFromString(cfg.DefaultTipGwei)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("invalid fees.defaultTipGwei: %w", err)
	}
	p.DefaultTip = gweiToWei(tip)
	fallback, err := decimal.NewFromString(cfg.FallbackGasPriceGwei)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("invalid fees.fallbackGasPriceGwei: %w", err)
	}
	p.FallbackGasPrice = gweiToWei(fallback)

	for i, s := range cfg.BumpMultipliers {
		m, err := decimal.NewFromString(s)
		if err != nil {
			return FeePolicy{}, fmt.Errorf("invalid fees.bumpMultipliers[%d]: %w", i, err)
		}
		if m.LessThan(decimal.NewFromInt(1)) {
			return FeePolicy{}, fmt.Errorf("fees.bumpMultipliers[%d] must be at least 1, got %s", i, s)
		}
		p.BumpMultipliers = append(p.BumpMultipliers, m)
	}
	for i, s := range cfg.BumpTipGwei {
		t, err := decimal.NewFromString(s)
		if err != nil {
			return FeePolicy{}, fmt.Errorf("invalid fees.bumpTipGwei[%d]: %w", i, err)
		}
		if t.IsNegative() {
			return FeePolicy{}, fmt.Errorf("fees.bumpTipGwei[%d] must not be negative, got %s", i, s)
		}
		p.BumpTips = append(p.BumpTips, gweiToWei(t))
	}
	return p, nil
}

// FallbackQuote is the quote used when chain data is unavailable.
func (p FeePolicy) FallbackQuote() entity.FeeQuote {
	return entity.FeeQuote{Mode: entity.FeeModeLegacy, GasPrice: new(big.Int).Set(p.FallbackGasPrice)}
}

// WithMargin adds the gas limit safety margin.
func (p FeePolicy) WithMargin(gas uint64) uint64 {
	return gas * uint64(100+p.GasLimitMarginPercent) / 100
}

func (p FeePolicy) bump(retry int) (decimal.Decimal, *big.Int) {
	mult, tip := decimal.NewFromInt(1), new(big.Int)
	if n := len(p.BumpMultipliers); n > 0 {
		mult = p.BumpMultipliers[min(retry, n)-1]
	}
	if n := len(p.BumpTips); n > 0 {
		tip = p.BumpTips[min(retry, n)-1]
	}
	return mult, tip
}

// FeeEstimator derives fee quotes and gas limits from the read router only,
// so that estimation never spends wallet rate budget.
type FeeEstimator struct {
	reader  port.ReadSender
	policy  FeePolicy
	logger  port.Logger
	metrics port.MetricsRecorder
}

func NewFeeEstimator(reader port.ReadSender, policy FeePolicy, logger port.Logger, rec port.MetricsRecorder) *FeeEstimator {
	if logger == nil {
		logger = port.NopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &FeeEstimator{reader: reader, policy: policy, logger: logger, metrics: rec}
}

// EstimateFee returns an EIP-1559 quote when the latest block has a base fee, a legacy
// quote from eth_gasPrice otherwise, and the fallback quote when both fail. It never fails.
func (e *FeeEstimator) EstimateFee(ctx context.Context) entity.FeeQuote {
	if e.reader == nil {
		e.metrics.IncCounter(port.MetricFeeEstimate, map[string]string{"outcome": "fallback"})
		return e.policy.FallbackQuote()
	}

	var block struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := e.call(ctx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		e.logger.Warn("Fee estimate: latest block unavailable, trying gasPrice", "error", err)
	} else if block.BaseFeePerGas != nil {
		tip := new(big.Int).Set(e.policy.DefaultTip)
		var suggested hexutil.Big
		if err := e.call(ctx, &suggested, "eth_maxPriorityFeePerGas"); err != nil {
			e.logger.Debug("Fee estimate: no priority fee suggestion, using default tip", "error", err)
		} else {
			tip = suggested.ToInt()
		}
		base := block.BaseFeePerGas.ToInt()
		maxFee := mulDecimal(base, e.policy.BaseFeeMultiplier)
		maxFee.Add(maxFee, tip)
		e.metrics.IncCounter(port.MetricFeeEstimate, map[string]string{"outcome": string(entity.FeeModeEIP1559)})
		return entity.FeeQuote{Mode: entity.FeeModeEIP1559, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}
	}

	var gasPrice hexutil.Big
	if err := e.call(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		e.logger.Warn("Fee estimate: gasPrice unavailable, using fallback", "error", err)
		e.metrics.IncCounter(port.MetricFeeEstimate, map[string]string{"outcome": "fallback"})
		return e.policy.FallbackQuote()
	}
	e.metrics.IncCounter(port.MetricFeeEstimate, map[string]string{"outcome": string(entity.FeeModeLegacy)})
	return entity.FeeQuote{Mode: entity.FeeModeLegacy, GasPrice: mulDecimal(gasPrice.ToInt(), e.policy.LegacyMultiplier)}
}

// EstimateGasLimit estimates tx once and adds the safety margin. When estimation
// fails the margin is applied to fallback instead.
func (e *FeeEstimator) EstimateGasLimit(ctx context.Context, tx map[string]any, fallback uint64) uint64 {
	if e.reader != nil {
		var gas hexutil.Uint64
		err := e.call(ctx, &gas, "eth_estimateGas", tx)
		if err == nil && gas > 0 {
			return e.policy.WithMargin(uint64(gas))
		}
		e.logger.Warn("Gas estimate failed, using fallback limit", "fallback", fallback, "error", err)
	}
	return e.policy.WithMargin(fallback)
}

func (e *FeeEstimator) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := e.reader.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if string(raw) == "null" {
		return fmt.Errorf("%s returned null", method)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// SendFunc submits one transaction attempt with the given overrides.
type SendFunc func(ctx context.Context, overrides entity.TxOverrides) error

// RetryPlanner resubmits sends rejected for a too-low fee with escalating fee overrides.
type RetryPlanner struct {
	policy  FeePolicy
	status  port.StatusSink
	logger  port.Logger
	metrics port.MetricsRecorder
}

func NewRetryPlanner(policy FeePolicy, status port.StatusSink, logger port.Logger, rec port.MetricsRecorder) *RetryPlanner {
	if status == nil {
		status = nopStatus{}
	}
	if logger == nil {
		logger = port.NopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &RetryPlanner{policy: policy, status: status, logger: logger, metrics: rec}
}

// MaxRetries is the number of extra attempts after the first one.
func (p *RetryPlanner) MaxRetries() int { return p.policy.MaxRetries }

// Overrides computes the overrides of attempt (0 is the unmodified quote). Each retry
// scales the original fee and adds to the original tip, never dropping below prev.
func (p *RetryPlanner) Overrides(quote entity.FeeQuote, gasLimit uint64, attempt int, prev *entity.TxOverrides) entity.TxOverrides {
	if !validQuote(quote) {
		quote = p.policy.FallbackQuote()
	}
	mult, tipBump := decimal.NewFromInt(1), new(big.Int)
	if attempt > 0 {
		mult, tipBump = p.policy.bump(attempt)
	}

	o := entity.TxOverrides{GasLimit: gasLimit}
	if quote.IsEIP1559() {
		o.Type = 2
		o.MaxFeePerGas = mulDecimal(quote.MaxFeePerGas, mult)
		o.MaxPriorityFeePerGas = new(big.Int).Add(quote.MaxPriorityFeePerGas, tipBump)
		if prev != nil {
			o.MaxFeePerGas = maxBig(o.MaxFeePerGas, prev.MaxFeePerGas)
			o.MaxPriorityFeePerGas = maxBig(o.MaxPriorityFeePerGas, prev.MaxPriorityFeePerGas)
		}
		// a tip above the fee cap is rejected by every node
		o.MaxFeePerGas = maxBig(o.MaxFeePerGas, o.MaxPriorityFeePerGas)
		return o
	}
	o.GasPrice = mulDecimal(quote.GasPrice, mult)
	if prev != nil {
		o.GasPrice = maxBig(o.GasPrice, prev.GasPrice)
	}
	return o
}

// Run calls send until it succeeds, fails with anything but a too-low fee, or the retry
// budget is spent. The gas limit is reused by every attempt.
func (p *RetryPlanner) Run(ctx context.Context, send SendFunc, quote entity.FeeQuote, gasLimit uint64, label string) error {
	state := entity.RetryState{MaxRetries: p.policy.MaxRetries, GasLimit: gasLimit}
	state.Overrides = p.Overrides(quote, gasLimit, 0, nil)
	if label != "" {
		p.status.Status(label + ": submitting...")
	}

	for {
		err := send(ctx, state.Overrides)
		if err == nil {
			return nil
		}
		if !IsFeeTooLow(err) || state.Attempt >= state.MaxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}

		state.Attempt++
		prev := state.Overrides
		state.Overrides = p.Overrides(quote, gasLimit, state.Attempt, &prev)
		p.metrics.IncCounter(port.MetricFeeRetry, map[string]string{"outcome": "bumped"})
		p.logger.Info("Fee too low, retrying with higher fee",
			"label", label, "attempt", state.Attempt+1, "maxAttempts", state.TotalAttempts(),
			"maxFeePerGas", state.Overrides.MaxFeePerGas, "maxPriorityFeePerGas", state.Overrides.MaxPriorityFeePerGas,
			"gasPrice", state.Overrides.GasPrice)
		p.status.Status(fmt.Sprintf("%s: fee too low, retrying with a higher tip (attempt %d of %d)",
			label, state.Attempt+1, state.TotalAttempts()))
	}
}

// SendWithRetry runs send through planner and returns the handle of the successful attempt.
func SendWithRetry[T any](ctx context.Context, planner *RetryPlanner, send func(ctx context.Context, overrides entity.TxOverrides) (T, error), quote entity.FeeQuote, gasLimit uint64, label string) (T, error) {
	var handle T
	err := planner.Run(ctx, func(ctx context.Context, o entity.TxOverrides) error {
		h, err := send(ctx, o)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}, quote, gasLimit, label)
	return handle, err
}

func validQuote(q entity.FeeQuote) bool {
	switch q.Mode {
	case entity.FeeModeEIP1559:
		return q.MaxFeePerGas != nil && q.MaxPriorityFeePerGas != nil
	case entity.FeeModeLegacy:
		return q.GasPrice != nil
	}
	return false
}

func mulDecimal(v *big.Int, m decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(m).BigInt()
}

func maxBig(a, b *big.Int) *big.Int {
	if b != nil && (a == nil || b.Cmp(a) > 0) {
		return new(big.Int).Set(b)
	}
	return a
}

func gweiToWei(g decimal.Decimal) *big.Int {
	return g.Mul(gwei).BigInt()
}
