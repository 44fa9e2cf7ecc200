package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"stake_orchestrator/internal/domain/entity"
)

// DefaultFallbackGas is the gas limit assumed when eth_estimateGas fails.
const DefaultFallbackGas uint64 = 140000

// SendTransaction submits tx through q with the session's fee policy: the gas limit is
// estimated once with the safety margin, the fee comes from the read router, and an
// attempt rejected for a too-low fee is resubmitted with escalated fees. Fee and gas
// fields set by the caller are kept as the starting point.
func (s *Session) SendTransaction(ctx context.Context, q *WalletQueue, tx map[string]any, label string) (json.RawMessage, error) {
	if q == nil {
		return nil, errors.New("eth_sendTransaction: no wallet")
	}

	gasLimit, ok, err := hexUint64Field(tx, "gas")
	if err != nil {
		return nil, err
	}
	if !ok {
		estimate := maps.Clone(tx)
		delete(estimate, "gasPrice")
		delete(estimate, "maxFeePerGas")
		delete(estimate, "maxPriorityFeePerGas")
		gasLimit = s.FeeEstimator().EstimateGasLimit(ctx, estimate, DefaultFallbackGas)
	}

	quote, ok, err := quoteFromTx(tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		quote = s.FeeEstimator().EstimateFee(ctx)
	}
	s.logger.Debug("Sending transaction", "label", label, "gas", gasLimit, "feeMode", quote.Mode)

	return SendWithRetry(ctx, s.planner, func(ctx context.Context, o entity.TxOverrides) (json.RawMessage, error) {
		return q.Request(ctx, "eth_sendTransaction", []any{applyOverrides(tx, o)})
	}, quote, gasLimit, label)
}

func applyOverrides(tx map[string]any, o entity.TxOverrides) map[string]any {
	out := maps.Clone(tx)
	if out == nil {
		out = map[string]any{}
	}
	if o.GasLimit > 0 {
		out["gas"] = hexutil.EncodeUint64(o.GasLimit)
	}
	if o.Type == 2 {
		delete(out, "gasPrice")
		out["type"] = "0x2"
		out["maxFeePerGas"] = hexutil.EncodeBig(o.MaxFeePerGas)
		out["maxPriorityFeePerGas"] = hexutil.EncodeBig(o.MaxPriorityFeePerGas)
		return out
	}
	delete(out, "maxFeePerGas")
	delete(out, "maxPriorityFeePerGas")
	if o.GasPrice != nil {
		out["gasPrice"] = hexutil.EncodeBig(o.GasPrice)
	}
	return out
}

// quoteFromTx reads caller-set fee fields; ok is false when none are set.
func quoteFromTx(tx map[string]any) (entity.FeeQuote, bool, error) {
	maxFee, hasMax, err := hexBigField(tx, "maxFeePerGas")
	if err != nil {
		return entity.FeeQuote{}, false, err
	}
	tip, hasTip, err := hexBigField(tx, "maxPriorityFeePerGas")
	if err != nil {
		return entity.FeeQuote{}, false, err
	}
	if hasMax && hasTip {
		return entity.FeeQuote{Mode: entity.FeeModeEIP1559, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, true, nil
	}
	gasPrice, hasPrice, err := hexBigField(tx, "gasPrice")
	if err != nil {
		return entity.FeeQuote{}, false, err
	}
	if hasPrice {
		return entity.FeeQuote{Mode: entity.FeeModeLegacy, GasPrice: gasPrice}, true, nil
	}
	return entity.FeeQuote{}, false, nil
}

func hexBigField(tx map[string]any, key string) (*big.Int, bool, error) {
	s, ok := tx[key].(string)
	if !ok || s == "" {
		return nil, false, nil
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, false, fmt.Errorf("invalid transaction field %s: %w", key, err)
	}
	return v, true, nil
}

func hexUint64Field(tx map[string]any, key string) (uint64, bool, error) {
	s, ok := tx[key].(string)
	if !ok || s == "" {
		return 0, false, nil
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid transaction field %s: %w", key, err)
	}
	return v, true, nil
}
