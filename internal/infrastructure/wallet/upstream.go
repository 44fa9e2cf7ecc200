package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
)

const defaultWatchInterval = 2 * time.Second

// Upstream is a port.Wallet backed by a JSON-RPC signer such as Frame, Clef or a dev node
// with unlocked accounts. It reports chain and account changes by polling.
type Upstream struct {
	client        *rpc.Client
	url           string
	watchInterval time.Duration
	logger        port.Logger
}

// Dial connects to the signer at url.
func Dial(ctx context.Context, url string, watchInterval time.Duration, logger port.Logger) (*Upstream, error) {
	if url == "" {
		return nil, fmt.Errorf("wallet upstream URL is empty")
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet %s: %w", url, err)
	}
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	if logger == nil {
		logger = port.NopLogger{}
	}
	return &Upstream{client: c, url: url, watchInterval: watchInterval, logger: logger}, nil
}

// Request forwards one call to the signer. The result is returned untouched.
func (u *Upstream) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := u.client.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return raw, nil
}

// Close releases the connection.
func (u *Upstream) Close() {
	u.client.Close()
}

// Subscribe polls eth_chainId and eth_accounts and emits an event on every change.
// A failed poll emits disconnect once; the next successful poll reports the state again.
func (u *Upstream) Subscribe(ctx context.Context) <-chan entity.WalletEvent {
	out := make(chan entity.WalletEvent, 4)
	go func() {
		defer close(out)

		var (
			chainID   string
			accounts  []string
			connected = true
			first     = true
		)
		ticker := time.NewTicker(u.watchInterval)
		defer ticker.Stop()

		for {
			events, ok := u.poll(ctx, &chainID, &accounts, first)
			switch {
			case !ok && connected:
				connected = false
				first = true
				events = []entity.WalletEvent{{Type: entity.EventDisconnect, Err: fmt.Errorf("wallet %s not reachable", u.url)}}
			case ok:
				connected = true
				first = false
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (u *Upstream) poll(ctx context.Context, chainID *string, accounts *[]string, first bool) ([]entity.WalletEvent, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, u.watchInterval)
	defer cancel()

	var cid string
	if err := u.client.CallContext(pollCtx, &cid, "eth_chainId"); err != nil {
		u.logger.Debug("Wallet chain id poll failed", "error", err)
		return nil, false
	}
	var accs []string
	if err := u.client.CallContext(pollCtx, &accs, "eth_accounts"); err != nil {
		u.logger.Debug("Wallet accounts poll failed", "error", err)
		return nil, false
	}
	cid = strings.ToLower(cid)
	for i := range accs {
		accs[i] = strings.ToLower(accs[i])
	}

	var events []entity.WalletEvent
	if first || cid != *chainID {
		events = append(events, entity.WalletEvent{Type: entity.EventChainChanged, ChainID: cid})
	}
	if first || !slices.Equal(accs, *accounts) {
		events = append(events, entity.WalletEvent{Type: entity.EventAccountsChanged, Accounts: accs})
	}
	*chainID, *accounts = cid, accs
	return events, true
}
