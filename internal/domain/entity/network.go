package entity

import (
	"strconv"
	"strings"
)

// CoinInfo describes a coin or token shown for a network.
type CoinInfo struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// NetworkCoins groups the native coin with the wrapped and derivative tokens of the staking pool.
type NetworkCoins struct {
	Native  CoinInfo `json:"native" yaml:"native"`
	Wrapped CoinInfo `json:"wrapped" yaml:"wrapped"`
	Aqua    CoinInfo `json:"aqua" yaml:"aqua"`
	Arc     CoinInfo `json:"arc" yaml:"arc"`
}

// ContractAddresses holds the well-known deployed contracts of a network.
type ContractAddresses struct {
	Pool           string `json:"pool" yaml:"pool"`
	WrappedNative  string `json:"wrappedNative" yaml:"wrappedNative"`
	AquaToken      string `json:"aquaToken" yaml:"aquaToken"`
	ArcToken       string `json:"arcToken" yaml:"arcToken"`
	Router         string `json:"router,omitempty" yaml:"router,omitempty"`
	RuleDelegation string `json:"ruleDelegation,omitempty" yaml:"ruleDelegation,omitempty"`
}

// NetworkConfig holds the configuration for a specific blockchain network.
// Instances come from a static table and are treated as read-only.
type NetworkConfig struct {
	ChainID         uint64            `json:"chainId" yaml:"chainId"`
	Label           string            `json:"label" yaml:"label"`
	Identifier      string            `json:"identifier" yaml:"identifier"` // table key, e.g. "monad-testnet"
	RPCURLs         []string          `json:"rpcUrls" yaml:"rpcUrls"`
	WSURLs          []string          `json:"wsUrls,omitempty" yaml:"wsUrls,omitempty"`
	ExplorerBaseURL string            `json:"explorerBaseUrl,omitempty" yaml:"explorerBaseUrl,omitempty"`
	Contracts       ContractAddresses `json:"contracts" yaml:"contracts"`
	Coins           NetworkCoins      `json:"coins" yaml:"coins"`
	TargetAPR       float64           `json:"targetApr" yaml:"targetApr"`
	Active          bool              `json:"active" yaml:"active"`
}

// Explorer link kinds.
const (
	ExplorerTx      = "tx"
	ExplorerAddress = "address"
	ExplorerToken   = "token"
)

// ChainIDHex returns the chain id in the 0x-prefixed lower-case form wallets report.
func (n NetworkConfig) ChainIDHex() string {
	return "0x" + strconv.FormatUint(n.ChainID, 16)
}

// WebSocketCandidates returns the explicit WS URLs, or wss:// variants of the https:// RPC URLs.
func (n NetworkConfig) WebSocketCandidates() []string {
	if len(n.WSURLs) > 0 {
		out := make([]string, len(n.WSURLs))
		copy(out, n.WSURLs)
		return out
	}
	var out []string
	for _, u := range n.RPCURLs {
		if strings.HasPrefix(u, "https://") {
			out = append(out, "wss://"+strings.TrimPrefix(u, "https://"))
		}
	}
	return out
}

// ExplorerLink builds an explorer URL for a transaction, address or token.
// "#" is returned when the network has no explorer or the kind is unknown.
func (n NetworkConfig) ExplorerLink(kind, id string) string {
	if n.ExplorerBaseURL == "" {
		return "#"
	}
	base := strings.TrimRight(n.ExplorerBaseURL, "/")
	switch kind {
	case ExplorerTx, ExplorerAddress, ExplorerToken:
		return base + "/" + kind + "/" + id
	default:
		return "#"
	}
}
