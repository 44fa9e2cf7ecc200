package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"stake_orchestrator/internal/app/port"
)

const DefaultBlockPollInterval = 4 * time.Second

// BlockListener receives every new block number seen by a BlockPoller.
type BlockListener func(block uint64)

// BlockPoller runs one eth_blockNumber loop for all of its subscribers. The loop starts
// with the first subscriber and stops when the last one leaves.
type BlockPoller struct {
	interval time.Duration
	logger   port.Logger

	mu      sync.Mutex
	reader  port.ReadSender
	subs    map[uint64]BlockListener
	nextID  uint64
	cancel  context.CancelFunc
	latest  uint64
	hasLast bool
}

func NewBlockPoller(reader port.ReadSender, interval time.Duration, logger port.Logger) *BlockPoller {
	if interval <= 0 {
		interval = DefaultBlockPollInterval
	}
	if logger == nil {
		logger = port.NopLogger{}
	}
	return &BlockPoller{
		interval: interval,
		logger:   logger,
		reader:   reader,
		subs:     make(map[uint64]BlockListener),
	}
}

// SetReader swaps the router used by the loop, e.g. after a network switch.
// The last seen block is forgotten.
func (p *BlockPoller) SetReader(reader port.ReadSender) {
	p.mu.Lock()
	p.reader = reader
	p.latest, p.hasLast = 0, false
	p.mu.Unlock()
}

// Latest returns the most recent block number, if any poll succeeded yet.
func (p *BlockPoller) Latest() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.hasLast
}

// Running reports whether the polling loop is active.
func (p *BlockPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Subscribe registers fn and returns a func removing it. Calling the returned func more
// than once is harmless.
func (p *BlockPoller) Subscribe(fn BlockListener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	if p.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.loop(ctx)
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			if len(p.subs) == 0 && p.cancel != nil {
				p.cancel()
				p.cancel = nil
			}
		})
	}
}

// Stop ends the loop and drops every subscriber.
func (p *BlockPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.subs)
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *BlockPoller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *BlockPoller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader == nil {
		return
	}

	block, err := fetchBlockNumber(ctx, reader)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Block poll failed", "error", err)
		}
		return
	}

	p.mu.Lock()
	if ctx.Err() != nil || (p.hasLast && block == p.latest) {
		p.mu.Unlock()
		return
	}
	p.latest, p.hasLast = block, true
	listeners := make([]BlockListener, 0, len(p.subs))
	for _, fn := range p.subs {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		p.notify(fn, block)
	}
}

func (p *BlockPoller) notify(fn BlockListener, block uint64) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Block listener panicked", "block", block, "panic", r)
		}
	}()
	fn(block)
}

func fetchBlockNumber(ctx context.Context, reader port.ReadSender) (uint64, error) {
	raw, err := reader.Send(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("failed to decode eth_blockNumber result: %w", err)
	}
	return uint64(n), nil
}
