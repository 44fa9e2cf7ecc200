package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake_orchestrator/internal/domain/entity"
)

// newSigner answers eth_chainId from chainID, eth_accounts with one account and
// rejects eth_sendTransaction like a wallet whose user declined.
func newSigner(t *testing.T, chainID *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_chainId":
			resp["result"] = chainID.Load()
		case "eth_accounts":
			resp["result"] = []string{"0x25E24c54e65a51aa74087B8EE44398Bb4AB231Dd"}
		case "eth_sendTransaction":
			resp["error"] = map[string]any{"code": 4001, "message": "User rejected the request."}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUpstreamRequest(t *testing.T) {
	var chainID atomic.Value
	chainID.Store("0x279f")
	srv := newSigner(t, &chainID)

	u, err := Dial(context.Background(), srv.URL, 0, nil)
	require.NoError(t, err)
	defer u.Close()

	res, err := u.Request(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x279f"`, string(res))

	_, err = u.Request(context.Background(), "eth_sendTransaction", []any{map[string]any{"to": "0x0"}})
	require.Error(t, err)
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 4001, rpcErr.ErrorCode())
}

func TestDialEmptyURL(t *testing.T) {
	_, err := Dial(context.Background(), "", 0, nil)
	assert.Error(t, err)
}

func TestUpstreamSubscribe(t *testing.T) {
	var chainID atomic.Value
	chainID.Store("0x279F")
	srv := newSigner(t, &chainID)

	u, err := Dial(context.Background(), srv.URL, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events := u.Subscribe(ctx)

	ev := <-events
	assert.Equal(t, entity.EventChainChanged, ev.Type)
	assert.Equal(t, "0x279f", ev.ChainID)
	ev = <-events
	assert.Equal(t, entity.EventAccountsChanged, ev.Type)
	assert.Equal(t, []string{"0x25e24c54e65a51aa74087b8ee44398bb4ab231dd"}, ev.Accounts)

	chainID.Store("0x1")
	select {
	case ev = <-events:
		assert.Equal(t, entity.EventChainChanged, ev.Type)
		assert.Equal(t, "0x1", ev.ChainID)
	case <-time.After(2 * time.Second):
		t.Fatal("chainChanged not reported")
	}

	cancel()
	for range events {
	}
}
