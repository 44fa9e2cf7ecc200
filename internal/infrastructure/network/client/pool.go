package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/pkg/metrics"
)

// LastGoodKeyPrefix prefixes the shared store key holding the last working URL of a network.
const LastGoodKeyPrefix = "rpc_last_good_"

var errNullResult = errors.New("probe returned no result")

// EndpointPool picks a working RPC URL for a network and remembers it across processes.
type EndpointPool struct {
	store   port.SharedStore
	client  *fasthttp.Client
	timeout time.Duration
	logger  port.Logger
	metrics port.MetricsRecorder
	probeID atomic.Uint64
}

// NewEndpointPool creates a pool persisting its choice in store. A nil store disables persistence.
func NewEndpointPool(store port.SharedStore, probeTimeout time.Duration, logger port.Logger, rec port.MetricsRecorder) *EndpointPool {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = port.NopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &EndpointPool{
		store:   store,
		client:  newHTTPClient(),
		timeout: probeTimeout,
		logger:  logger,
		metrics: rec,
	}
}

// LastGoodKey returns the shared store key for a network identifier.
func LastGoodKey(identifier string) string {
	return LastGoodKeyPrefix + identifier
}

// Probe checks that url answers eth_blockNumber with HTTP 200 and a non-null result.
func (p *EndpointPool) Probe(ctx context.Context, url string) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.Since(p.metrics, port.MetricEndpointProbe, start, map[string]string{"endpoint": url, "outcome": outcome})
	}()

	resp, err := postJSONRPC(ctx, p.client, url, p.timeout, newRequest(p.probeID.Add(1), "eth_blockNumber", nil))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if !resp.HasResult() {
		return fmt.Errorf("%s: %w", url, errNullResult)
	}
	return nil
}

// PickWorkingEndpoint returns the first URL of network that passes a probe. The cached
// last-good URL is tried first when it is still configured.
func (p *EndpointPool) PickWorkingEndpoint(ctx context.Context, network entity.NetworkConfig) (string, error) {
	if len(network.RPCURLs) == 0 {
		return "", fmt.Errorf("network %s has no RPC URLs: %w", network.Identifier, entity.ErrNoEndpointAvailable)
	}

	key := LastGoodKey(network.Identifier)
	candidates := make([]string, 0, len(network.RPCURLs))
	cached := p.cachedURL(key)
	if cached != "" && slices.Contains(network.RPCURLs, cached) {
		candidates = append(candidates, cached)
	}
	for _, u := range network.RPCURLs {
		if u != cached {
			candidates = append(candidates, u)
		}
	}

	for _, u := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := p.Probe(ctx, u); err != nil {
			p.logger.Debug("RPC probe failed", "network", network.Identifier, "url", u, "error", err)
			continue
		}
		if p.store != nil {
			if err := p.store.Set(key, u); err != nil {
				p.logger.Warn("Failed to persist last good RPC URL", "network", network.Identifier, "error", err)
			}
		}
		p.metrics.IncCounter(port.MetricEndpointPicked, map[string]string{"endpoint": u})
		return u, nil
	}

	return "", fmt.Errorf("network %s: %d candidates failed: %w", network.Identifier, len(candidates), entity.ErrNoEndpointAvailable)
}

func (p *EndpointPool) cachedURL(key string) string {
	if p.store == nil {
		return ""
	}
	v, ok, err := p.store.Get(key)
	if err != nil {
		p.logger.Warn("Failed to read last good RPC URL", "key", key, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}
