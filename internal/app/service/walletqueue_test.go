package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/network/client"
	"stake_orchestrator/internal/infrastructure/storage"
)

func TestWalletQueueRunsCallsInSubmissionOrder(t *testing.T) {
	w := newFakeWallet(func(_ int, _ string, params []any) (json.RawMessage, error) {
		time.Sleep(2 * time.Millisecond)
		raw, err := json.Marshal(params[0])
		return raw, err
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{})

	const n = 8
	results := make([]json.RawMessage, n)
	var wg sync.WaitGroup
	tail := currentTail(q)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Request(context.Background(), "personal_sign", []any{i})
			assert.NoError(t, err)
			results[i] = res
		}(i)
		tail = waitQueued(t, q, tail)
	}
	wg.Wait()

	calls := w.Calls()
	require.Len(t, calls, n)
	for i, c := range calls {
		assert.Equal(t, i, c.Params[0], "call %d ran out of order", i)
		assert.JSONEq(t, string(mustJSON(t, i)), string(results[i]))
	}
	assert.Equal(t, 1, w.peak(), "wallet calls overlapped")
}

func TestWalletQueueCancelledWaiterIsSkipped(t *testing.T) {
	gate := make(chan struct{})
	w := newFakeWallet(func(n int, _ string, _ []any) (json.RawMessage, error) {
		if n == 1 {
			<-gate
		}
		return json.RawMessage(`"ok"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{})

	tail := currentTail(q)
	firstDone := make(chan error, 1)
	go func() {
		_, err := q.Request(context.Background(), "first", nil)
		firstDone <- err
	}()
	tail = waitQueued(t, q, tail)

	ctx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() {
		_, err := q.Request(ctx, "second", nil)
		secondDone <- err
	}()
	tail = waitQueued(t, q, tail)
	cancel()
	assert.ErrorIs(t, <-secondDone, context.Canceled)

	thirdDone := make(chan error, 1)
	go func() {
		_, err := q.Request(context.Background(), "third", nil)
		thirdDone <- err
	}()
	waitQueued(t, q, tail)
	close(gate)

	require.NoError(t, <-firstDone)
	require.NoError(t, <-thirdDone)
	calls := w.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Method)
	assert.Equal(t, "third", calls[1].Method)
}

func TestWalletQueueOffloadsReads(t *testing.T) {
	reader := newFakeReader(map[string]string{
		"eth_blockNumber":     `"0x10"`,
		"eth_sendTransaction": `"0xnot-from-reader"`,
	})
	w := newFakeWallet(func(_ int, method string, _ []any) (json.RawMessage, error) {
		return json.RawMessage(`"0xwallet"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{Reader: reader})

	res, err := q.Request(context.Background(), "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(res))
	assert.Equal(t, 0, w.count("eth_blockNumber"))

	res, err = q.Request(context.Background(), "eth_sendTransaction", []any{map[string]any{"to": "0x1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xwallet"`, string(res))
	assert.Equal(t, 0, reader.count("eth_sendTransaction"))
	assert.Equal(t, 1, w.count("eth_sendTransaction"))
}

func TestWalletQueueOffloadFallsBackToWallet(t *testing.T) {
	reader := newFakeReader(nil)
	reader.errs["eth_getBalance"] = errors.New("boom")
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return json.RawMessage(`"0x5"`), nil
	})

	for name, r := range map[string]port.ReadSender{"failing reader": reader, "no reader": nil} {
		t.Run(name, func(t *testing.T) {
			q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{Reader: r})
			res, err := q.Request(context.Background(), "eth_getBalance", []any{"0xabc", "latest"})
			require.NoError(t, err)
			assert.JSONEq(t, `"0x5"`, string(res))
		})
	}
	assert.Equal(t, 2, w.count("eth_getBalance"))
}

func TestWalletQueueOffloadFallbackWhenSingleEndpointFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	router, err := client.NewRouter([]string{srv.URL}, client.RouterOptions{RequestTimeout: time.Second})
	require.NoError(t, err)

	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return json.RawMessage(`"0x2a"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{Reader: router})

	res, err := q.Request(context.Background(), "eth_call", []any{map[string]any{"to": "0x1"}, "latest"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x2a"`, string(res))
	assert.Equal(t, 1, w.count("eth_call"))
}

func TestWalletQueueBackoffStopsAfterMaxTries(t *testing.T) {
	status := &recordingStatus{}
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return nil, rateLimitErr()
	})
	cfg := fastQueueConfig()
	q := NewWalletQueue(w, cfg, QueueDeps{Status: status})

	_, err := q.Request(context.Background(), "personal_sign", nil)
	require.Error(t, err)
	var rpcErr *entity.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, entity.KindRateLimited, Kind(err))
	assert.Len(t, w.Calls(), cfg.MaxTries)

	notices := status.Notices()
	require.Len(t, notices, cfg.MaxTries-1)
	for i, n := range notices {
		assert.Equal(t, i+2, n.Attempt)
		assert.Equal(t, cfg.MaxTries, n.MaxTries)
		assert.GreaterOrEqual(t, n.Delay, cfg.BaseBackoff<<i)
		if i > 0 {
			assert.GreaterOrEqual(t, n.Delay, notices[i-1].Delay)
		}
	}
}

func TestWalletQueueRetriesUntilSuccess(t *testing.T) {
	w := newFakeWallet(func(n int, _ string, _ []any) (json.RawMessage, error) {
		if n == 1 {
			return nil, &entity.HTTPStatusError{URL: "http://wallet", StatusCode: http.StatusTooManyRequests}
		}
		return json.RawMessage(`"0xsig"`), nil
	})
	q := NewWalletQueue(w, fastQueueConfig(), QueueDeps{})

	res, err := q.Request(context.Background(), "personal_sign", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsig"`, string(res))
	assert.Len(t, w.Calls(), 2)
}

func TestWalletQueueDoesNotRetryOtherErrors(t *testing.T) {
	status := &recordingStatus{}
	rejected := &entity.RPCError{Code: codeUserRejected, Message: "User rejected the request."}
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) { return nil, rejected })
	q := NewWalletQueue(w, fastQueueConfig(), QueueDeps{Status: status})

	_, err := q.Request(context.Background(), "personal_sign", nil)
	assert.Same(t, rejected, err)
	assert.Len(t, w.Calls(), 1)
	assert.Empty(t, status.Notices())
}

func TestWalletQueueAbortDuringSecondBackoff(t *testing.T) {
	status := &recordingStatus{stopAt: 3}
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return nil, rateLimitErr()
	})
	cfg := QueueConfig{BaseBackoff: 5 * time.Millisecond, MaxTries: 6}
	q := NewWalletQueue(w, cfg, QueueDeps{Status: status})

	_, err := q.Request(context.Background(), "eth_sendTransaction", nil)
	require.ErrorIs(t, err, entity.ErrUserAbortRateLimit)
	assert.Equal(t, entity.KindUserAbortRateLimit, Kind(err))
	assert.Len(t, w.Calls(), 2, "no attempt may follow the abort")
	assert.Len(t, status.Notices(), 2)
}

func TestWalletQueueContextCancelsBackoff(t *testing.T) {
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return nil, rateLimitErr()
	})
	q := NewWalletQueue(w, QueueConfig{BaseBackoff: time.Hour, MaxTries: 3}, QueueDeps{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Request(ctx, "personal_sign", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, w.Calls(), 1)
}

func TestWalletQueueChainIDCache(t *testing.T) {
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return json.RawMessage(`"0x279F"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := q.Request(ctx, "eth_chainId", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"0x279f"`, string(res))
	}
	assert.Equal(t, 1, w.count("eth_chainId"))

	q.Observe(entity.WalletEvent{Type: entity.EventChainChanged, ChainID: "0xA"})
	res, err := q.Request(ctx, "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xa"`, string(res))
	assert.Equal(t, 1, w.count("eth_chainId"))

	assert.False(t, q.SetChainID("ten"))
	assert.Equal(t, "0xa", q.CachedChainID())

	q.Observe(entity.WalletEvent{Type: entity.EventDisconnect})
	assert.Empty(t, q.CachedChainID())
	_, err = q.Request(ctx, "eth_chainId", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, w.count("eth_chainId"))
}

func TestWalletQueueRejectsMalformedChainID(t *testing.T) {
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		return json.RawMessage(`"mainnet"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{})

	_, err := q.ChainID(context.Background())
	require.Error(t, err)
	assert.Empty(t, q.CachedChainID())
	assert.NotEqual(t, entity.KindWrongNetwork, Kind(err))
}

func TestWrapperIsIdempotent(t *testing.T) {
	wr := NewWrapper(QueueConfig{MaxTries: 1}, QueueDeps{})
	w := newFakeWallet(nil)

	q1 := wr.Wrap(w)
	require.NotNil(t, q1)
	assert.Same(t, q1, wr.Wrap(w))
	assert.Same(t, q1, wr.Wrap(q1))
	assert.Nil(t, wr.Wrap(nil))
	assert.NotSame(t, q1, wr.Wrap(newFakeWallet(nil)))

	reader := newFakeReader(nil)
	wr.SetReader(reader)
	assert.Equal(t, port.ReadSender(reader), q1.Reader())
	assert.Equal(t, port.ReadSender(reader), wr.Wrap(newFakeWallet(nil)).Reader())

	seen := 0
	wr.Each(func(*WalletQueue) { seen++ })
	assert.Equal(t, 3, seen)
}

func TestWalletQueueSendHoldsLockAndPaces(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewSendMutex(store, nil, SendLockOptions{PollInterval: 2 * time.Millisecond, SettleDelay: time.Millisecond}, nil, nil)
	pacer := NewSendPacer(30 * time.Millisecond)

	var mu sync.Mutex
	var starts []time.Time
	var heldDuringCall []bool
	w := newFakeWallet(func(int, string, []any) (json.RawMessage, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		heldDuringCall = append(heldDuringCall, m.Held())
		mu.Unlock()
		return json.RawMessage(`"0xhash"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{Mutex: m, Pacer: pacer})

	for i := 0; i < 2; i++ {
		_, err := q.Request(context.Background(), "eth_sendTransaction", []any{map[string]any{}})
		require.NoError(t, err)
	}

	require.Len(t, starts, 2)
	assert.Equal(t, []bool{true, true}, heldDuringCall)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 30*time.Millisecond)
	_, ok, err := store.Get(SendLockKey)
	require.NoError(t, err)
	assert.False(t, ok, "lock must be released after the send")
}

func TestWalletQueueSendLockTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := SendLockOptions{PollInterval: 2 * time.Millisecond, SettleDelay: time.Millisecond}
	holder := NewSendMutex(store, nil, opts, nil, nil)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))

	w := newFakeWallet(nil)
	q := NewWalletQueue(w, QueueConfig{MaxTries: 1}, QueueDeps{
		Mutex:       NewSendMutex(store, nil, opts, nil, nil),
		LockTimeout: 20 * time.Millisecond,
	})

	_, err := q.Request(context.Background(), "eth_sendTransaction", nil)
	require.ErrorIs(t, err, entity.ErrSendLockTimeout)
	assert.Equal(t, entity.KindSendLockTimeout, Kind(err))
	assert.Empty(t, w.Calls())
}

func TestWalletQueueKeepsLockAcrossBackoffLongerThanTTL(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := SendLockOptions{TTL: 40 * time.Millisecond, PollInterval: 2 * time.Millisecond, SettleDelay: time.Millisecond}
	m := NewSendMutex(store, nil, opts, nil, nil)
	rival := NewSendMutex(store, nil, opts, nil, nil)

	rivalDone := make(chan error, 1)
	var rivalErr error
	var heldOnRetry bool
	w := newFakeWallet(func(n int, _ string, _ []any) (json.RawMessage, error) {
		if n == 1 {
			go func() { rivalDone <- rival.Acquire(context.Background(), 50*time.Millisecond) }()
			return nil, rateLimitErr()
		}
		rivalErr = <-rivalDone
		heldOnRetry = m.Held()
		return json.RawMessage(`"0xhash"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{BaseBackoff: 150 * time.Millisecond, MaxTries: 2}, QueueDeps{Mutex: m})

	_, err := q.Request(context.Background(), "eth_sendTransaction", []any{map[string]any{}})
	require.NoError(t, err)
	assert.ErrorIs(t, rivalErr, entity.ErrSendLockTimeout, "lock must stay fresh while backing off")
	assert.True(t, heldOnRetry)
	assert.Len(t, w.Calls(), 2)
}

func TestWalletQueueReacquiresLostLockBeforeRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := SendLockOptions{PollInterval: 2 * time.Millisecond, SettleDelay: time.Millisecond}
	m := NewSendMutex(store, nil, opts, nil, nil)

	var heldOnRetry bool
	w := newFakeWallet(func(n int, _ string, _ []any) (json.RawMessage, error) {
		if n == 1 {
			// another process overwrote the record
			require.NoError(t, store.Delete(SendLockKey))
			return nil, rateLimitErr()
		}
		heldOnRetry = m.Held()
		return json.RawMessage(`"0xhash"`), nil
	})
	q := NewWalletQueue(w, QueueConfig{BaseBackoff: 5 * time.Millisecond, MaxTries: 2}, QueueDeps{Mutex: m})

	_, err := q.Request(context.Background(), "eth_sendTransaction", []any{map[string]any{}})
	require.NoError(t, err)
	assert.True(t, heldOnRetry)
}

func TestBackoffDelayDoubles(t *testing.T) {
	cfg := QueueConfig{BaseBackoff: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffDelay(0))
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.BackoffDelay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.BackoffDelay(4))

	cfg.Jitter = 50 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := cfg.BackoffDelay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 250*time.Millisecond)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
