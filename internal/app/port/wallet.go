package port

import (
	"context"
	"encoding/json"

	"stake_orchestrator/internal/domain/entity"
)

// Wallet is an upstream signer speaking JSON-RPC 2.0.
type Wallet interface {
	Request(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// EventSource is implemented by wallets that report account and chain changes.
// The channel is closed when ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context) <-chan entity.WalletEvent
}
