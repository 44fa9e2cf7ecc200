package service

import (
	"context"
	"encoding/json"
	"strings"

	"stake_orchestrator/internal/app/port"
)

// offloadMethods are pure reads that public endpoints answer as well as the wallet does.
var offloadMethods = map[string]struct{}{
	"eth_blockNumber":           {},
	"eth_getBlockByNumber":      {},
	"eth_getBlockByHash":        {},
	"eth_gasPrice":              {},
	"eth_maxPriorityFeePerGas":  {},
	"eth_maxFeePerGas":          {},
	"eth_feeHistory":            {},
	"eth_getTransactionByHash":  {},
	"eth_getTransactionReceipt": {},
	"eth_getTransactionCount":   {},
	"eth_call":                  {},
	"eth_estimateGas":           {},
	"eth_getBalance":            {},
	"eth_getCode":               {},
	"eth_getStorageAt":          {},
	"eth_getLogs":               {},
}

// IsOffloadable reports whether method may be answered by the read router instead of the wallet.
func IsOffloadable(method string) bool {
	_, ok := offloadMethods[method]
	return ok
}

// IsWalletSend reports whether method asks the wallet to sign, and so needs the send lock.
func IsWalletSend(method string) bool {
	return method == "eth_sendTransaction" ||
		method == "eth_signTransaction" ||
		strings.HasPrefix(method, "eth_signTypedData")
}

// offload tries the read router for eligible methods. ok is false when the call must go
// to the wallet: the method is not eligible, no router is set, or the router failed.
func (q *WalletQueue) offload(ctx context.Context, method string, params []any) (json.RawMessage, bool) {
	if !IsOffloadable(method) {
		return nil, false
	}
	reader := q.Reader()
	if reader == nil {
		return nil, false
	}
	res, err := reader.Send(ctx, method, params)
	if err != nil {
		q.logger.Debug("Read offload failed, falling back to wallet", "method", method, "error", err)
		q.metrics.IncCounter(port.MetricOffloadMiss, map[string]string{"method": method})
		return nil, false
	}
	q.metrics.IncCounter(port.MetricOffloadHit, map[string]string{"method": method})
	return res, true
}
