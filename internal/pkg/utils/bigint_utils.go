package utils

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatBigInt renders amount scaled down by decimals without trailing zeros.
// Example: amount=1234500000000000000, decimals=18 => "1.2345"
func FormatBigInt(amount *big.Int, decimals uint8) (string, error) {
	if amount == nil {
		return "0", nil
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String(), nil
}
