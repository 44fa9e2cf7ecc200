package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/configloader"
	"stake_orchestrator/internal/pkg/metrics"
)

// Shared store key and notifier topic of the wallet send lock.
const (
	SendLockKey   = "wallet_send_lock_v1"
	SendLockTopic = "wallet_send"
	releaseMsg    = "release"
)

// Send lock defaults.
const (
	DefaultLockTTL            = 15 * time.Second
	DefaultLockPollInterval   = 120 * time.Millisecond
	DefaultLockSettleDelay    = 50 * time.Millisecond
	DefaultLockAcquireTimeout = 20 * time.Second
	DefaultSendSpacing        = 2500 * time.Millisecond
)

// SendLockOptions tune a SendMutex. Zero values select the defaults.
type SendLockOptions struct {
	TTL            time.Duration
	PollInterval   time.Duration
	SettleDelay    time.Duration
	AcquireTimeout time.Duration
	OwnerID        string // random when empty
}

// SendLockOptionsFrom converts the sendLock config section.
func SendLockOptionsFrom(cfg configloader.SendLockConfig) SendLockOptions {
	return SendLockOptions{
		TTL:            time.Duration(cfg.TTLMs) * time.Millisecond,
		PollInterval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		SettleDelay:    time.Duration(cfg.SettleDelayMs) * time.Millisecond,
		AcquireTimeout: time.Duration(cfg.AcquireTimeoutMs) * time.Millisecond,
	}
}

// SendMutex is a lock shared by every process using the same store. A holder owns the
// lock while its record is fresh; a stale record may be taken over by anyone.
type SendMutex struct {
	store    port.SharedStore
	notifier port.Notifier
	owner    string
	opts     SendLockOptions
	logger   port.Logger
	metrics  port.MetricsRecorder
	now      func() time.Time
}

// NewSendMutex creates a mutex over store. notifier may be nil.
func NewSendMutex(store port.SharedStore, notifier port.Notifier, opts SendLockOptions, logger port.Logger, rec port.MetricsRecorder) *SendMutex {
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultLockPollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultLockSettleDelay
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultLockAcquireTimeout
	}
	if opts.OwnerID == "" {
		opts.OwnerID = uuid.NewString()
	}
	if logger == nil {
		logger = port.NopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &SendMutex{
		store:    store,
		notifier: notifier,
		owner:    opts.OwnerID,
		opts:     opts,
		logger:   logger,
		metrics:  rec,
		now:      time.Now,
	}
}

// Acquire waits until the lock is free or stale, claims it and confirms the claim by
// reading it back after the settle delay. It fails with ErrSendLockTimeout once timeout
// has elapsed; timeout <= 0 selects the configured default.
func (m *SendMutex) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.opts.AcquireTimeout
	}
	start := m.now()

	var wake <-chan string
	if m.notifier != nil {
		ch, cancel := m.notifier.Subscribe(SendLockTopic)
		defer cancel()
		wake = ch
	}

	var lastErr error
	for {
		cur, err := m.read()
		if err != nil {
			lastErr = err
		} else if cur == nil || !cur.Fresh(m.now(), m.opts.TTL) {
			if err := m.write(); err != nil {
				lastErr = err
			} else {
				if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
					return err
				}
				owned, err := m.verifyOwnership()
				if err != nil {
					lastErr = err
				} else if owned {
					m.metrics.ObserveLatency(port.MetricSendLockWait, m.now().Sub(start), map[string]string{"outcome": "acquired"})
					m.logger.Debug("Wallet send lock acquired", "owner", m.owner)
					return nil
				}
			}
		}

		if m.now().Sub(start) > timeout {
			m.metrics.ObserveLatency(port.MetricSendLockWait, m.now().Sub(start), map[string]string{"outcome": "timeout"})
			if lastErr != nil {
				return fmt.Errorf("%w after %s (last store error: %v)", entity.ErrSendLockTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", entity.ErrSendLockTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// verifyOwnership reads the record back; last writer wins.
func (m *SendMutex) verifyOwnership() (bool, error) {
	cur, err := m.read()
	if err != nil {
		return false, err
	}
	return cur != nil && cur.OwnerID == m.owner, nil
}

// Held reports whether this mutex currently owns a fresh record.
func (m *SendMutex) Held() bool {
	cur, err := m.read()
	return err == nil && cur != nil && cur.OwnerID == m.owner && cur.Fresh(m.now(), m.opts.TTL)
}

// Refresh renews the timestamp of a record we own so it does not go stale during long retries.
func (m *SendMutex) Refresh() error {
	cur, err := m.read()
	if err != nil {
		return err
	}
	if cur == nil || cur.OwnerID != m.owner {
		return nil
	}
	return m.write()
}

// RefreshInterval is how often a holder renews its record during long waits.
func (m *SendMutex) RefreshInterval() time.Duration {
	if d := m.opts.TTL / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

// Release deletes the record if we still own it and tells other holders about it.
func (m *SendMutex) Release() error {
	defer func() {
		if m.notifier != nil {
			m.notifier.Publish(SendLockTopic, releaseMsg)
		}
	}()

	cur, err := m.read()
	if err != nil {
		return err
	}
	if cur == nil || cur.OwnerID != m.owner {
		m.logger.Debug("Wallet send lock not owned on release", "owner", m.owner)
		return nil
	}
	if err := m.store.Delete(SendLockKey); err != nil {
		return fmt.Errorf("failed to release send lock: %w", err)
	}
	return nil
}

// read returns nil for a missing or unreadable record.
func (m *SendMutex) read() (*entity.SendLockRecord, error) {
	raw, ok, err := m.store.Get(SendLockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read send lock: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var rec entity.SendLockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Warn("Ignoring malformed send lock record", "value", raw, "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (m *SendMutex) write() error {
	raw, err := json.Marshal(entity.SendLockRecord{OwnerID: m.owner, TimestampMs: m.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := m.store.Set(SendLockKey, string(raw)); err != nil {
		return fmt.Errorf("failed to write send lock: %w", err)
	}
	return nil
}

// SendPacer enforces a minimum gap between successive wallet sends of one process.
type SendPacer struct {
	mu      sync.Mutex
	spacing time.Duration
	last    time.Time
	now     func() time.Time
}

func NewSendPacer(spacing time.Duration) *SendPacer {
	if spacing < 0 {
		spacing = 0
	}
	return &SendPacer{spacing: spacing, now: time.Now}
}

// Remaining is how long a send issued now would have to wait.
func (p *SendPacer) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.IsZero() {
		return 0
	}
	gap := p.spacing - p.now().Sub(p.last)
	if gap < 0 {
		return 0
	}
	return gap
}

// Wait sleeps the rest of the spacing interval since the last recorded send.
func (p *SendPacer) Wait(ctx context.Context) error {
	return sleepCtx(ctx, p.Remaining())
}

// Mark records a send at the current time.
func (p *SendPacer) Mark() {
	p.mu.Lock()
	p.last = p.now()
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
