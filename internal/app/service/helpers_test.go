package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"stake_orchestrator/internal/domain/entity"
)

type walletCall struct {
	Method string
	Params []any
}

// fakeWallet answers with handler and records every call and the peak concurrency.
type fakeWallet struct {
	handler func(n int, method string, params []any) (json.RawMessage, error)

	mu          sync.Mutex
	calls       []walletCall
	inflight    int
	maxInflight int
}

func newFakeWallet(handler func(n int, method string, params []any) (json.RawMessage, error)) *fakeWallet {
	return &fakeWallet{handler: handler}
}

func (w *fakeWallet) Request(_ context.Context, method string, params []any) (json.RawMessage, error) {
	w.mu.Lock()
	w.calls = append(w.calls, walletCall{Method: method, Params: params})
	n := len(w.calls)
	w.inflight++
	if w.inflight > w.maxInflight {
		w.maxInflight = w.inflight
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inflight--
		w.mu.Unlock()
	}()
	if w.handler == nil {
		return json.RawMessage(`null`), nil
	}
	return w.handler(n, method, params)
}

func (w *fakeWallet) Calls() []walletCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]walletCall(nil), w.calls...)
}

func (w *fakeWallet) count(method string) int {
	n := 0
	for _, c := range w.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (w *fakeWallet) peak() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxInflight
}

// fakeReader answers from a method table; methods without an entry fail.
type fakeReader struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	calls   map[string]int
}

func newFakeReader(results map[string]string) *fakeReader {
	return &fakeReader{results: results, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeReader) Send(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if res, ok := f.results[method]; ok {
		return json.RawMessage(res), nil
	}
	return nil, errors.New("method not served: " + method)
}

func (f *fakeReader) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// recordingStatus keeps every notice; stopAt closes the stop channel of the backoff
// announcing that attempt.
type recordingStatus struct {
	stopAt int

	mu       sync.Mutex
	messages []string
	notices  []entity.BackoffNotice
	clears   int
}

func (s *recordingStatus) Status(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *recordingStatus) Backoff(n entity.BackoffNotice) <-chan struct{} {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
	if s.stopAt > 0 && n.Attempt == s.stopAt {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return nil
}

func (s *recordingStatus) Clear() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *recordingStatus) Notices() []entity.BackoffNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.BackoffNotice(nil), s.notices...)
}

func (s *recordingStatus) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func rateLimitErr() error {
	return &entity.RPCError{Code: codeLimitExceeded, Message: "request limit exceeded"}
}

func feeTooLowErr() error {
	return &entity.RPCError{Code: -32000, Message: "transaction underpriced: maxFeePerGas too low"}
}

func fastQueueConfig() QueueConfig {
	return QueueConfig{BaseBackoff: 2 * time.Millisecond, MaxTries: 4}
}

// waitQueued blocks until a Request issued after prev has taken its slot in q.
func waitQueued(t *testing.T, q *WalletQueue, prev chan struct{}) chan struct{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.tailMu.Lock()
		cur := q.tail
		q.tailMu.Unlock()
		if cur != prev {
			return cur
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("request never entered the queue")
	return nil
}

func currentTail(q *WalletQueue) chan struct{} {
	q.tailMu.Lock()
	defer q.tailMu.Unlock()
	return q.tail
}
