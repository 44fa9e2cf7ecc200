package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/configloader"
)

// routerProvider implements the port.RouterProvider interface.
type routerProvider struct {
	routers map[string]*Router
	mu      sync.Mutex
	opts    RouterOptions
	logger  port.Logger
}

// NewRouterProvider creates a provider that builds one Router per network and caches it.
func NewRouterProvider(cfg *configloader.Config, logger port.Logger, rec port.MetricsRecorder) port.RouterProvider {
	return &routerProvider{
		routers: make(map[string]*Router),
		opts: RouterOptions{
			RequestTimeout: time.Duration(cfg.RPCClient.RequestTimeoutMs) * time.Millisecond,
			RateLimit:      cfg.RPCClient.RateLimit,
			BurstLimit:     cfg.RPCClient.BurstLimit,
			Logger:         logger,
			Metrics:        rec,
		},
		logger: logger,
	}
}

// GetRouter returns the cached router of network, building it on first use.
// The cache key includes the URL list so an edited network gets a fresh router.
func (p *routerProvider) GetRouter(network entity.NetworkConfig) (port.ReadSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := network.Identifier + "|" + strings.Join(network.RPCURLs, ",")
	if r, exists := p.routers[key]; exists {
		return r, nil
	}

	p.logger.Info("Creating read router", "network", network.Identifier, "endpoints", len(network.RPCURLs))
	r, err := NewRouter(network.RPCURLs, p.opts)
	if err != nil {
		p.logger.Error("Failed to create read router", "network", network.Identifier, "error", err)
		return nil, fmt.Errorf("failed to create router for %s: %w", network.Identifier, err)
	}
	p.routers[key] = r
	return r, nil
}
