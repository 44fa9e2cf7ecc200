package entity

import (
	"errors"
	"fmt"
)

// Orchestration errors.
var (
	// ErrNoEndpointAvailable is returned when no configured RPC URL answers a probe,
	// or when a router is built without URLs.
	ErrNoEndpointAvailable = errors.New("no RPC endpoint available")

	// ErrAllEndpointsFailed is returned when one full pass over the endpoints failed.
	ErrAllEndpointsFailed = errors.New("all RPC endpoints failed")

	// ErrSendLockTimeout is returned when the cross-process send lock could not be taken in time.
	ErrSendLockTimeout = errors.New("wallet send lock timeout")

	// ErrUserAbortRateLimit is returned when the user stopped a rate-limit backoff wait.
	ErrUserAbortRateLimit = errors.New("stopped by user during rate-limit backoff")
)

// AllEndpointsFailedError carries the last error observed during the failover pass.
type AllEndpointsFailedError struct {
	Method   string
	Attempts int
	Last     error
}

func (e *AllEndpointsFailedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %s after %d attempts", ErrAllEndpointsFailed, e.Method, e.Attempts)
	}
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrAllEndpointsFailed, e.Method, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last upstream error to errors.Is/As.
func (e *AllEndpointsFailedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllEndpointsFailed}
	}
	return []error{ErrAllEndpointsFailed, e.Last}
}

// WrongNetworkError reports a wallet connected to an unexpected chain.
type WrongNetworkError struct {
	ExpectedLabel   string
	ExpectedChainID uint64
	ActualChainID   string
}

func (e *WrongNetworkError) Error() string {
	return fmt.Sprintf("wrong network: wallet on chain id %s, expected %s (%d)", e.ActualChainID, e.ExpectedLabel, e.ExpectedChainID)
}
