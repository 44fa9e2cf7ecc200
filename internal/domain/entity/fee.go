package entity

import "math/big"

// FeeMode selects the gas pricing scheme of a quote.
type FeeMode string

const (
	FeeModeLegacy  FeeMode = "legacy"
	FeeModeEIP1559 FeeMode = "eip1559"
)

// FeeQuote is a fee guess derived from chain data. Values are in wei.
type FeeQuote struct {
	Mode                 FeeMode  `json:"mode"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// IsEIP1559 reports whether the quote uses base fee plus tip pricing.
func (q FeeQuote) IsEIP1559() bool { return q.Mode == FeeModeEIP1559 }

// TxOverrides are the per-attempt transaction parameters handed to a send function.
type TxOverrides struct {
	Type                 uint8    `json:"type,omitempty"` // 2 for EIP-1559
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
	GasLimit             uint64   `json:"gasLimit,omitempty"`
}

// RetryState tracks one send through its fee escalation attempts.
type RetryState struct {
	Attempt    int
	MaxRetries int
	Overrides  TxOverrides
	GasLimit   uint64
}

// TotalAttempts is the first attempt plus the allowed retries.
func (s RetryState) TotalAttempts() int { return s.MaxRetries + 1 }
