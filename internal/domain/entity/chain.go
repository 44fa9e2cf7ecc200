package entity

import (
	"math/big"
	"time"
)

// Balance represents the amount of the native coin or a token held by an address.
type Balance struct {
	Address          string   `json:"address"`
	ChainID          uint64   `json:"chainId"`
	TokenAddress     string   `json:"tokenAddress,omitempty"` // empty for the native coin
	TokenSymbol      string   `json:"tokenSymbol"`
	Decimals         uint8    `json:"decimals"`
	IsNative         bool     `json:"isNative"`
	Amount           *big.Int `json:"-"`
	FormattedBalance string   `json:"formattedBalance"`
}

// BlockInfo summarises a block header as returned by eth_getBlockByNumber.
type BlockInfo struct {
	Number        uint64    `json:"number"`
	Hash          string    `json:"hash"`
	Timestamp     time.Time `json:"timestamp"`
	TxCount       int       `json:"txCount"`
	BaseFeePerGas *big.Int  `json:"baseFeePerGas,omitempty"`
	Miner         string    `json:"miner"`
}

// NodeStatus collects the node health fields. A nil pointer means the query failed.
type NodeStatus struct {
	ChainID         string  `json:"chainId,omitempty"`
	ClientVersion   string  `json:"clientVersion,omitempty"`
	PeerCount       *uint64 `json:"peerCount,omitempty"`
	Syncing         bool    `json:"syncing"`
	ProtocolVersion string  `json:"protocolVersion,omitempty"`
	Listening       *bool   `json:"listening,omitempty"`
}
