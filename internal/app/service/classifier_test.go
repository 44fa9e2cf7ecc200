package service

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"stake_orchestrator/internal/domain/entity"
)

func TestClassifierKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want entity.ErrorKind
	}{
		{"abort", fmt.Errorf("eth_sendTransaction: %w", entity.ErrUserAbortRateLimit), entity.KindUserAbortRateLimit},
		{"abort wins over rate-limit text", fmt.Errorf("429 too many requests: %w", entity.ErrUserAbortRateLimit), entity.KindUserAbortRateLimit},
		{"lock timeout", fmt.Errorf("%w after 20s", entity.ErrSendLockTimeout), entity.KindSendLockTimeout},
		{"limit exceeded code", &entity.RPCError{Code: -32005, Message: "limit exceeded"}, entity.KindRateLimited},
		{"internal code", &entity.RPCError{Code: -32603, Message: "internal error"}, entity.KindRateLimited},
		{"http 429", &entity.HTTPStatusError{URL: "https://rpc.example", StatusCode: http.StatusTooManyRequests}, entity.KindRateLimited},
		{"rate limit text", errors.New("Rate limit reached, slow down"), entity.KindRateLimited},
		{"wrapped in all endpoints failed", &entity.AllEndpointsFailedError{Method: "eth_call", Attempts: 2, Last: &entity.RPCError{Code: -32005, Message: "x"}}, entity.KindRateLimited},
		{"request pending code", &entity.RPCError{Code: -32002, Message: "pending"}, entity.KindWalletBusy},
		{"already processing", errors.New("Request of type 'wallet_requestPermissions' already processing"), entity.KindWalletBusy},
		{"user rejected code", &entity.RPCError{Code: 4001, Message: "nope"}, entity.KindUserRejected},
		{"user denied text", errors.New("MetaMask Tx Signature: User denied transaction signature."), entity.KindUserRejected},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), entity.KindInsufficientFunds},
		{"nonce too low", &entity.RPCError{Code: -32000, Message: "nonce too low"}, entity.KindNonceTooLow},
		{"wrong network error", &entity.WrongNetworkError{ExpectedLabel: "Monad Testnet", ExpectedChainID: 10143, ActualChainID: "0x1"}, entity.KindWrongNetwork},
		{"chain id text", errors.New("invalid chain id for signer"), entity.KindWrongNetwork},
		{"underpriced", errors.New("replacement transaction underpriced"), entity.KindFeeTooLow},
		{"fee too low", &entity.RPCError{Code: -32000, Message: "max fee per gas less than block base fee: fee too low"}, entity.KindFeeTooLow},
		{"no endpoint", fmt.Errorf("monad-testnet: %w", entity.ErrNoEndpointAvailable), entity.KindNoEndpointAvailable},
		{"all endpoints failed", &entity.AllEndpointsFailedError{Method: "eth_call", Attempts: 2, Last: errors.New("connection refused")}, entity.KindAllEndpointsFailed},
		{"unknown", errors.New("execution reverted: paused"), entity.KindUnknown},
		{"port number is not a status", errors.New("dial tcp 127.0.0.1:42917: connect: connection refused http://127.0.0.1:429/"), entity.KindUnknown},
		{"data carries the reason", &entity.RPCError{Code: -32000, Message: "execution failed", Data: "insufficient funds for transfer"}, entity.KindInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestClassifierMessagesAreTotal(t *testing.T) {
	c := NewClassifier(entity.NetworkConfig{
		ChainID: 10143,
		Label:   "Monad Testnet",
		Coins:   entity.NetworkCoins{Native: entity.CoinInfo{Symbol: "MON"}},
	})

	samples := map[entity.ErrorKind]error{
		entity.KindUserAbortRateLimit:  entity.ErrUserAbortRateLimit,
		entity.KindSendLockTimeout:     entity.ErrSendLockTimeout,
		entity.KindRateLimited:         &entity.RPCError{Code: -32005, Message: "x"},
		entity.KindWalletBusy:          &entity.RPCError{Code: -32002, Message: "x"},
		entity.KindUserRejected:        &entity.RPCError{Code: 4001, Message: "x"},
		entity.KindInsufficientFunds:   errors.New("insufficient funds"),
		entity.KindNonceTooLow:         errors.New("nonce too low"),
		entity.KindWrongNetwork:        errors.New("wrong network"),
		entity.KindFeeTooLow:           errors.New("fee too low"),
		entity.KindNoEndpointAvailable: entity.ErrNoEndpointAvailable,
		entity.KindAllEndpointsFailed:  &entity.AllEndpointsFailedError{Method: "eth_call", Attempts: 1},
		entity.KindUnknown:             errors.New("something odd"),
	}

	for kind, err := range samples {
		got := c.Classify(err)
		assert.Equal(t, kind, got.Kind, "sample for %s", kind)
		assert.NotEmpty(t, got.Message, "message for %s", kind)
	}

	assert.Contains(t, c.Classify(errors.New("insufficient funds")).Message, "MON")
	assert.Contains(t, c.Classify(errors.New("wrong network")).Message, "Monad Testnet (10143)")
	assert.Equal(t, "something odd", c.Classify(errors.New("something odd")).Message)
	assert.Equal(t, entity.KindUnknown, c.Classify(nil).Kind)
}

func TestClassifierUnknownPrefersErrorData(t *testing.T) {
	c := NewClassifier(entity.NetworkConfig{})
	err := fmt.Errorf("send: %w", &entity.RPCError{Code: 3, Message: "execution reverted", Data: "0x08c379a0"})
	got := c.Classify(err)
	assert.Equal(t, entity.KindUnknown, got.Kind)
	assert.Equal(t, "0x08c379a0", got.Message)
}

func TestClassifierWrongNetworkUsesErrorDetails(t *testing.T) {
	c := NewClassifier(entity.NetworkConfig{ChainID: 1, Label: "Other"})
	got := c.Classify(&entity.WrongNetworkError{ExpectedLabel: "Monad Testnet", ExpectedChainID: 10143, ActualChainID: "0x1"})
	assert.Contains(t, got.Message, "Monad Testnet (10143)")
}
