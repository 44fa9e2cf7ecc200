package entity

// ErrorKind is the closed set of failure classes produced by the classifier.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindFeeTooLow           ErrorKind = "fee_too_low"
	KindUserRejected        ErrorKind = "user_rejected"
	KindWalletBusy          ErrorKind = "wallet_busy"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindNonceTooLow         ErrorKind = "nonce_too_low"
	KindWrongNetwork        ErrorKind = "wrong_network"
	KindNoEndpointAvailable ErrorKind = "no_endpoint_available"
	KindAllEndpointsFailed  ErrorKind = "all_endpoints_failed"
	KindSendLockTimeout     ErrorKind = "send_lock_timeout"
	KindUserAbortRateLimit  ErrorKind = "user_abort_rate_limit"
	KindUnknown             ErrorKind = "unknown"
)

// Retryable reports whether the orchestration layer retries this kind on its own.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindFeeTooLow
}

// Classification pairs an error kind with a one-line user-facing message.
type Classification struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
