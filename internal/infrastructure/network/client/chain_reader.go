package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/pkg/utils"
)

// ERC20 ABI minimal part for balanceOf
const erc20ABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

var (
	parsedERC20ABI  abi.ABI
	parsedERC20Once sync.Once
)

func initParsedERC20ABI() {
	parsedERC20Once.Do(func() {
		var err error
		parsedERC20ABI, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
		}
	})
}

const nodeStatusCacheKey = "node_status"

// ChainReader decodes common chain queries on top of a read sender.
type ChainReader struct {
	sender    port.ReadSender
	network   entity.NetworkConfig
	statusTTL time.Duration
	cache     *cache.Cache
}

// NewChainReader wraps sender. Node status results are cached for statusTTL; 0 disables caching.
func NewChainReader(sender port.ReadSender, network entity.NetworkConfig, statusTTL time.Duration) *ChainReader {
	initParsedERC20ABI()
	return &ChainReader{
		sender:    sender,
		network:   network,
		statusTTL: statusTTL,
		cache:     cache.New(statusTTL, 2*statusTTL+time.Second),
	}
}

// BlockNumber returns the latest block number.
func (c *ChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

type rpcBlock struct {
	Number        *hexutil.Big   `json:"number"`
	Hash          string         `json:"hash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	Miner         string         `json:"miner"`
	Transactions  []any          `json:"transactions"`
}

// BlockInfo returns a summary of the block at tag ("latest", "pending" or a hex number).
func (c *ChainReader) BlockInfo(ctx context.Context, tag string) (*entity.BlockInfo, error) {
	if tag == "" {
		tag = "latest"
	}
	var b *rpcBlock
	if err := c.call(ctx, &b, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("block %s not found", tag)
	}
	info := &entity.BlockInfo{
		Hash:      b.Hash,
		Timestamp: time.Unix(int64(b.Timestamp), 0).UTC(),
		TxCount:   len(b.Transactions),
		Miner:     b.Miner,
	}
	if b.Number != nil {
		info.Number = b.Number.ToInt().Uint64()
	}
	if b.BaseFeePerGas != nil {
		info.BaseFeePerGas = b.BaseFeePerGas.ToInt()
	}
	return info, nil
}

// NativeBalance returns the native coin balance of address. A null result counts as zero.
func (c *ChainReader) NativeBalance(ctx context.Context, address string) (*entity.Balance, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	var bal *hexutil.Big
	if err := c.call(ctx, &bal, "eth_getBalance", common.HexToAddress(address), "latest"); err != nil {
		return nil, err
	}
	amount := big.NewInt(0)
	if bal != nil {
		amount = bal.ToInt()
	}
	coin := c.network.Coins.Native
	return c.balance(address, "", coin, true, amount)
}

// TokenBalance returns the ERC-20 balance of owner for token.
func (c *ChainReader) TokenBalance(ctx context.Context, token string, coin entity.CoinInfo, owner string) (*entity.Balance, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid token %q or owner %q", token, owner)
	}
	data, err := parsedERC20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	callArgs := map[string]any{
		"to":   common.HexToAddress(token),
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.call(ctx, &out, "eth_call", callArgs, "latest"); err != nil {
		return nil, err
	}

	amount := big.NewInt(0)
	if len(out) > 0 {
		unpacked, err := parsedERC20ABI.Unpack("balanceOf", out)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack balanceOf result for %s: %w. Raw: %s", coin.Symbol, err, hexutil.Encode(out))
		}
		v, ok := unpacked[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected balanceOf result type %T for %s", unpacked[0], coin.Symbol)
		}
		amount = v
	}
	return c.balance(owner, token, coin, false, amount)
}

func (c *ChainReader) balance(owner, token string, coin entity.CoinInfo, native bool, amount *big.Int) (*entity.Balance, error) {
	formatted, err := utils.FormatBigInt(amount, coin.Decimals)
	if err != nil {
		return nil, fmt.Errorf("failed to format balance for %s: %w", coin.Symbol, err)
	}
	return &entity.Balance{
		Address:          owner,
		ChainID:          c.network.ChainID,
		TokenAddress:     token,
		TokenSymbol:      coin.Symbol,
		Decimals:         coin.Decimals,
		IsNative:         native,
		Amount:           amount,
		FormattedBalance: formatted,
	}, nil
}

// NodeStatus queries the node health fields in parallel. Individual failures leave
// the field empty; the call itself only fails when ctx is done.
func (c *ChainReader) NodeStatus(ctx context.Context) (*entity.NodeStatus, error) {
	if c.statusTTL > 0 {
		if v, ok := c.cache.Get(nodeStatusCacheKey); ok {
			st := v.(entity.NodeStatus)
			return &st, nil
		}
	}

	var (
		st        entity.NodeStatus
		chainID   string
		version   string
		peers     hexutil.Uint64
		peersOK   bool
		syncing   any
		protocol  string
		listening bool
		listenOK  bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { _ = c.call(gctx, &chainID, "eth_chainId"); return nil })
	g.Go(func() error { _ = c.call(gctx, &version, "web3_clientVersion"); return nil })
	g.Go(func() error { peersOK = c.call(gctx, &peers, "net_peerCount") == nil; return nil })
	g.Go(func() error { _ = c.call(gctx, &syncing, "eth_syncing"); return nil })
	g.Go(func() error { _ = c.call(gctx, &protocol, "eth_protocolVersion"); return nil })
	g.Go(func() error { listenOK = c.call(gctx, &listening, "net_listening") == nil; return nil })
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.ChainID = strings.ToLower(chainID)
	st.ClientVersion = version
	if peersOK {
		n := uint64(peers)
		st.PeerCount = &n
	}
	// eth_syncing is false when idle and an object while syncing
	if b, isBool := syncing.(bool); syncing != nil && (!isBool || b) {
		st.Syncing = true
	}
	st.ProtocolVersion = protocol
	if listenOK {
		st.Listening = &listening
	}

	if c.statusTTL > 0 {
		c.cache.Set(nodeStatusCacheKey, st, c.statusTTL)
	}
	return &st, nil
}

func (c *ChainReader) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.sender.Send(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
