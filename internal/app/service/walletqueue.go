package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/configloader"
	"stake_orchestrator/internal/pkg/metrics"
)

var chainIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// QueueConfig holds the pacing and backoff of one wallet queue.
//
//	PreDelay:    wait before each dispatch, plus a random share of Jitter
//	PostDelay:   wait after a successful call
//	BaseBackoff: first rate-limit backoff, doubled on every further attempt
//	MaxTries:    total attempts of one call, the first included
//	Jitter:      upper bound of the random extra delay
type QueueConfig struct {
	PreDelay    time.Duration
	PostDelay   time.Duration
	BaseBackoff time.Duration
	MaxTries    int
	Jitter      time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PreDelay:    500 * time.Millisecond,
		PostDelay:   350 * time.Millisecond,
		BaseBackoff: time.Second,
		MaxTries:    6,
		Jitter:      300 * time.Millisecond,
	}
}

// QueueConfigFrom converts the walletQueue config section.
func QueueConfigFrom(cfg configloader.WalletQueueConfig) QueueConfig {
	return QueueConfig{
		PreDelay:    time.Duration(cfg.PreDelayMs) * time.Millisecond,
		PostDelay:   time.Duration(cfg.PostDelayMs) * time.Millisecond,
		BaseBackoff: time.Duration(cfg.BaseBackoffMs) * time.Millisecond,
		MaxTries:    cfg.MaxTries,
		Jitter:      time.Duration(cfg.JitterMs) * time.Millisecond,
	}
}

// BackoffDelay is the wait before attempt+1 after the attempt-th failure:
// base * 2^(attempt-1) plus up to jitter.
func (c QueueConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff << (attempt - 1)
	return d + randDuration(c.Jitter)
}

// QueueDeps are the collaborators of a wallet queue. Every field is optional.
type QueueDeps struct {
	Reader      port.ReadSender
	Mutex       *SendMutex
	Pacer       *SendPacer
	Status      port.StatusSink
	Logger      port.Logger
	Metrics     port.MetricsRecorder
	LockTimeout time.Duration
}

// WalletQueue serialises every call to one wallet. A call starts only after the
// previous one has settled, in submission order.
type WalletQueue struct {
	wallet  port.Wallet
	cfg     QueueConfig
	mutex   *SendMutex
	pacer   *SendPacer
	status  port.StatusSink
	logger  port.Logger
	metrics port.MetricsRecorder
	lockTTL time.Duration

	tailMu sync.Mutex
	tail   chan struct{}

	readerMu sync.RWMutex
	reader   port.ReadSender

	chainMu sync.RWMutex
	chainID string
	sf      singleflight.Group
}

// NewWalletQueue wraps wallet. Prefer Wrapper.Wrap, which never wraps an instance twice.
func NewWalletQueue(wallet port.Wallet, cfg QueueConfig, deps QueueDeps) *WalletQueue {
	if cfg.MaxTries < 1 {
		cfg.MaxTries = 1
	}
	q := &WalletQueue{
		wallet:  wallet,
		cfg:     cfg,
		mutex:   deps.Mutex,
		pacer:   deps.Pacer,
		status:  deps.Status,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		lockTTL: deps.LockTimeout,
		reader:  deps.Reader,
	}
	if q.status == nil {
		q.status = nopStatus{}
	}
	if q.logger == nil {
		q.logger = port.NopLogger{}
	}
	if q.metrics == nil {
		q.metrics = metrics.NoopRecorder{}
	}
	settled := make(chan struct{})
	close(settled)
	q.tail = settled
	return q
}

// Wallet returns the wrapped wallet.
func (q *WalletQueue) Wallet() port.Wallet { return q.wallet }

// Reader returns the read router used for offloading, or nil.
func (q *WalletQueue) Reader() port.ReadSender {
	q.readerMu.RLock()
	defer q.readerMu.RUnlock()
	return q.reader
}

// SetReader swaps the read router, for example after a network change.
func (q *WalletQueue) SetReader(r port.ReadSender) {
	q.readerMu.Lock()
	q.reader = r
	q.readerMu.Unlock()
}

// Request queues one call. It is a drop-in replacement for the wallet's own Request.
// A caller whose ctx ends while waiting for its turn gets ctx.Err() and the call is skipped.
func (q *WalletQueue) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	done := make(chan struct{})
	q.tailMu.Lock()
	prev := q.tail
	q.tail = done
	q.tailMu.Unlock()

	select {
	case <-prev:
	case <-ctx.Done():
		// keep the chain ordered: our slot settles only after the previous one
		go func() {
			<-prev
			close(done)
		}()
		return nil, ctx.Err()
	}
	defer close(done)

	start := time.Now()
	res, err := q.process(ctx, method, params)
	outcome := "ok"
	if err != nil {
		outcome = string(Kind(err))
	}
	q.metrics.ObserveLatency(port.MetricWalletRequest, time.Since(start), map[string]string{"method": method, "outcome": outcome})
	return res, err
}

func (q *WalletQueue) process(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if method == "eth_chainId" {
		cid, err := q.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		q.status.Clear()
		return json.Marshal(cid)
	}

	if res, ok := q.offload(ctx, method, params); ok {
		q.status.Clear()
		return res, nil
	}

	walletSend := IsWalletSend(method)
	if walletSend {
		if q.mutex != nil {
			if err := q.mutex.Acquire(ctx, q.lockTTL); err != nil {
				q.logger.Warn("Wallet send lock not acquired", "method", method, "error", err)
				return nil, err
			}
			defer func() {
				if err := q.mutex.Release(); err != nil {
					q.logger.Warn("Failed to release wallet send lock", "error", err)
				}
			}()
		}
		if q.pacer != nil {
			if gap := q.pacer.Remaining(); gap > 0 {
				q.logger.Debug("Pacing wallet send", "method", method, "wait", gap)
			}
			if err := q.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err := sleepCtx(ctx, q.cfg.PreDelay+randDuration(q.cfg.Jitter)); err != nil {
		return nil, err
	}
	q.logger.Debug("Wallet request", "method", method)

	for attempt := 1; ; attempt++ {
		res, err := q.wallet.Request(ctx, method, params)
		if err == nil {
			if walletSend && q.pacer != nil {
				q.pacer.Mark()
			}
			q.status.Clear()
			if err := sleepCtx(ctx, q.cfg.PostDelay); err != nil {
				return nil, err
			}
			return res, nil
		}

		if !IsRateLimited(err) || attempt >= q.cfg.MaxTries {
			q.logger.Debug("Wallet request failed, giving up", "method", method, "attempt", attempt, "error", err)
			q.status.Clear()
			return nil, err
		}

		delay := q.cfg.BackoffDelay(attempt)
		q.logger.Info("Wallet rate-limited, backing off", "method", method, "attempt", attempt+1, "maxTries", q.cfg.MaxTries, "delay", delay)
		q.metrics.IncCounter(port.MetricWalletBackoff, map[string]string{"method": method})

		stop := q.status.Backoff(entity.BackoffNotice{
			Method:   method,
			Attempt:  attempt + 1,
			MaxTries: q.cfg.MaxTries,
			Delay:    delay,
		})
		if err := q.backoffWait(ctx, method, attempt, delay, stop, walletSend); err != nil {
			return nil, err
		}

		if walletSend && q.mutex != nil && !q.mutex.Held() {
			q.logger.Warn("Wallet send lock lost during backoff, re-acquiring", "method", method, "attempt", attempt+1)
			if err := q.mutex.Acquire(ctx, q.lockTTL); err != nil {
				q.status.Clear()
				return nil, err
			}
		}
	}
}

// backoffWait sleeps delay unless ctx ends or stop fires. A wallet send keeps its
// lock record fresh for the whole wait.
func (q *WalletQueue) backoffWait(ctx context.Context, method string, attempt int, delay time.Duration, stop <-chan struct{}, walletSend bool) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var refresh <-chan time.Time
	if walletSend && q.mutex != nil {
		ticker := time.NewTicker(q.mutex.RefreshInterval())
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			q.status.Clear()
			return ctx.Err()
		case <-stop:
			q.status.Clear()
			q.logger.Info("Backoff stopped by user", "method", method, "attempt", attempt)
			return fmt.Errorf("%s: %w", method, entity.ErrUserAbortRateLimit)
		case <-refresh:
			if err := q.mutex.Refresh(); err != nil {
				q.logger.Warn("Failed to refresh wallet send lock", "error", err)
			}
		case <-timer.C:
			return nil
		}
	}
}

// ChainID returns the cached chain id, asking the wallet once when nothing is cached.
// Concurrent misses share one wallet call.
func (q *WalletQueue) ChainID(ctx context.Context) (string, error) {
	if cid := q.CachedChainID(); cid != "" {
		return cid, nil
	}
	v, err, _ := q.sf.Do("eth_chainId", func() (any, error) {
		raw, err := q.wallet.Request(ctx, "eth_chainId", nil)
		if err != nil {
			return "", err
		}
		var cid string
		if err := json.Unmarshal(raw, &cid); err != nil {
			return "", fmt.Errorf("failed to decode eth_chainId result: %w", err)
		}
		if !q.SetChainID(cid) {
			return "", fmt.Errorf("wallet answered eth_chainId with %q, want 0x-prefixed hex", cid)
		}
		return q.CachedChainID(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CachedChainID returns the cached chain id or "".
func (q *WalletQueue) CachedChainID() string {
	q.chainMu.RLock()
	defer q.chainMu.RUnlock()
	return q.chainID
}

// SetChainID caches a 0x-hex chain id in lower case. Anything else is ignored.
func (q *WalletQueue) SetChainID(cid string) bool {
	if !chainIDPattern.MatchString(cid) {
		return false
	}
	q.chainMu.Lock()
	q.chainID = strings.ToLower(cid)
	q.chainMu.Unlock()
	return true
}

// Observe applies a wallet event to the queue state. Calls in flight are not affected.
// A disconnect drops the cached chain id so the next eth_chainId asks the wallet again.
func (q *WalletQueue) Observe(ev entity.WalletEvent) {
	switch ev.Type {
	case entity.EventChainChanged:
		q.SetChainID(ev.ChainID)
	case entity.EventDisconnect:
		q.chainMu.Lock()
		q.chainID = ""
		q.chainMu.Unlock()
	}
}

// Wrapper hands out one queue per wallet instance.
type Wrapper struct {
	mu     sync.Mutex
	cfg    QueueConfig
	deps   QueueDeps
	queues map[port.Wallet]*WalletQueue
	all    []*WalletQueue
}

func NewWrapper(cfg QueueConfig, deps QueueDeps) *Wrapper {
	return &Wrapper{cfg: cfg, deps: deps, queues: make(map[port.Wallet]*WalletQueue)}
}

// Wrap returns the queue of wallet, creating it on first use. Wrapping a queue returns it unchanged.
func (w *Wrapper) Wrap(wallet port.Wallet) *WalletQueue {
	if wallet == nil {
		return nil
	}
	if q, ok := wallet.(*WalletQueue); ok {
		return q
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	keyable := reflect.TypeOf(wallet).Comparable()
	if keyable {
		if q, ok := w.queues[wallet]; ok {
			return q
		}
	}
	q := NewWalletQueue(wallet, w.cfg, w.deps)
	if keyable {
		w.queues[wallet] = q
	}
	w.all = append(w.all, q)
	return q
}

// Each calls fn for every queue created so far.
func (w *Wrapper) Each(fn func(q *WalletQueue)) {
	w.mu.Lock()
	qs := append([]*WalletQueue(nil), w.all...)
	w.mu.Unlock()
	for _, q := range qs {
		fn(q)
	}
}

// SetReader updates the default and every existing queue.
func (w *Wrapper) SetReader(r port.ReadSender) {
	w.mu.Lock()
	w.deps.Reader = r
	w.mu.Unlock()
	w.Each(func(q *WalletQueue) { q.SetReader(r) })
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

type nopStatus struct{}

func (nopStatus) Status(string) {}

func (nopStatus) Backoff(entity.BackoffNotice) <-chan struct{} { return nil }

func (nopStatus) Clear() {}
