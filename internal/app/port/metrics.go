package port

import "time"

// MetricsRecorder collects counters and latencies of the orchestration layer.
// Labels used: "method", "outcome", "endpoint".
type MetricsRecorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Metric names.
const (
	MetricRPCAttempt     = "rpc_attempt"
	MetricRPCCall        = "rpc_call"
	MetricWalletRequest  = "wallet_request"
	MetricWalletBackoff  = "wallet_backoff"
	MetricOffloadHit     = "offload_hit"
	MetricOffloadMiss    = "offload_fallthrough"
	MetricSendLockWait   = "send_lock_wait"
	MetricFeeRetry       = "fee_retry"
	MetricFeeEstimate    = "fee_estimate"
	MetricEndpointPicked = "endpoint_picked"
	MetricEndpointProbe  = "endpoint_probe"
)
