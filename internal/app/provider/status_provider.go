package provider

import (
	"sync"
	"time"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
)

type logStatusSink struct {
	logger port.Logger
}

// NewLogStatusSink creates a StatusSink that only writes notices to the log.
func NewLogStatusSink(logger port.Logger) port.StatusSink {
	if logger == nil {
		logger = port.NopLogger{}
	}
	return &logStatusSink{logger: logger}
}

func (s *logStatusSink) Status(msg string) {
	s.logger.Info("Status", "message", msg)
}

// Backoff logs the wait. A log cannot be interrupted, so the stop channel is nil.
func (s *logStatusSink) Backoff(n entity.BackoffNotice) <-chan struct{} {
	s.logger.Warn("Rate-limited, backing off",
		"method", n.Method, "attempt", n.Attempt, "maxTries", n.MaxTries, "secondsLeft", n.SecondsLeft())
	return nil
}

func (s *logStatusSink) Clear() {}

// StatusSnapshot is the state shown to clients polling for progress.
type StatusSnapshot struct {
	Message     string                `json:"message,omitempty"`
	Backoff     *entity.BackoffNotice `json:"backoff,omitempty"`
	SecondsLeft int                   `json:"secondsLeft,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// AbortableStatusSink keeps the latest notice for polling clients and lets them stop
// a running backoff wait. Notices are passed on to next.
type AbortableStatusSink struct {
	next port.StatusSink
	now  func() time.Time

	mu        sync.Mutex
	message   string
	backoff   *entity.BackoffNotice
	deadline  time.Time
	stop      chan struct{}
	updatedAt time.Time
}

func NewAbortableStatusSink(next port.StatusSink) *AbortableStatusSink {
	return &AbortableStatusSink{next: next, now: time.Now}
}

func (s *AbortableStatusSink) Status(msg string) {
	s.mu.Lock()
	s.message = msg
	s.updatedAt = s.now()
	s.mu.Unlock()
	if s.next != nil {
		s.next.Status(msg)
	}
}

// Backoff records the notice and returns a channel closed by Stop. Only the latest
// backoff can be stopped.
func (s *AbortableStatusSink) Backoff(n entity.BackoffNotice) <-chan struct{} {
	if s.next != nil {
		s.next.Backoff(n)
	}
	stop := make(chan struct{})

	s.mu.Lock()
	defer s.mu.Unlock()
	notice := n
	s.backoff = &notice
	s.stop = stop
	s.updatedAt = s.now()
	s.deadline = s.updatedAt.Add(n.Delay)
	s.message = "Network is busy (rate-limited). Retrying..."
	return stop
}

func (s *AbortableStatusSink) Clear() {
	s.mu.Lock()
	s.message = ""
	s.backoff = nil
	s.stop = nil
	s.updatedAt = s.now()
	s.mu.Unlock()
	if s.next != nil {
		s.next.Clear()
	}
}

// Stop aborts the backoff wait in progress. It reports false when there is none.
func (s *AbortableStatusSink) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return false
	}
	s.closeStopLocked()
	s.message = "Stopped by user."
	s.updatedAt = s.now()
	return true
}

// Snapshot returns the current notice with the countdown of a running backoff.
func (s *AbortableStatusSink) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{Message: s.message, UpdatedAt: s.updatedAt}
	if s.backoff != nil && s.stop != nil {
		n := *s.backoff
		if left := s.deadline.Sub(s.now()); left > 0 {
			n.Delay = left
		} else {
			n.Delay = 0
		}
		snap.Backoff = &n
		snap.SecondsLeft = n.SecondsLeft()
	}
	return snap
}

func (s *AbortableStatusSink) closeStopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
