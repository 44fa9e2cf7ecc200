package port

import (
	"context"
	"encoding/json"

	"stake_orchestrator/internal/domain/entity"
)

// NetworkConfigProvider gives access to the network table and the persisted selection.
type NetworkConfigProvider interface {
	// GetAllNetworks returns every known network in table order.
	GetAllNetworks() []entity.NetworkConfig

	// GetNetworkByIdentifier looks a network up by its table key.
	GetNetworkByIdentifier(identifier string) (entity.NetworkConfig, bool)

	// GetNetworkByChainID looks a network up by chain id.
	GetNetworkByChainID(chainID uint64) (entity.NetworkConfig, bool)

	// Selected returns the persisted selection, falling back to the first active network.
	Selected() (entity.NetworkConfig, error)

	// Select persists a new selection. Unknown or inactive identifiers are rejected.
	Select(identifier string) (entity.NetworkConfig, error)
}

// ReadSender performs a read-only JSON-RPC call against public endpoints.
type ReadSender interface {
	Send(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// RouterProvider hands out the read router of a network.
type RouterProvider interface {
	GetRouter(network entity.NetworkConfig) (ReadSender, error)
}
