package client

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/pkg/metrics"
)

// Default configuration values.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// RouterOptions tune a Router. Zero values select the defaults.
type RouterOptions struct {
	RequestTimeout time.Duration
	RateLimit      int // requests per second across all endpoints, 0 disables
	BurstLimit     int
	Logger         port.Logger
	Metrics        port.MetricsRecorder
	HTTPClient     *fasthttp.Client
}

// Router sends read-only JSON-RPC calls round-robin over a fixed URL list.
// Each call makes at most one pass over the list.
type Router struct {
	urls    []string
	client  *fasthttp.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  port.Logger
	metrics port.MetricsRecorder

	next  atomic.Uint64
	reqID atomic.Uint64
}

// NewRouter builds a router over urls. An empty list is rejected with ErrNoEndpointAvailable.
func NewRouter(urls []string, opts RouterOptions) (*Router, error) {
	var clean []string
	for _, u := range urls {
		if u != "" {
			clean = append(clean, u)
		}
	}
	if len(clean) == 0 {
		return nil, entity.ErrNoEndpointAvailable
	}

	r := &Router{
		urls:    clean,
		client:  opts.HTTPClient,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if r.client == nil {
		r.client = newHTTPClient()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRequestTimeout
	}
	if r.logger == nil {
		r.logger = port.NopLogger{}
	}
	if r.metrics == nil {
		r.metrics = metrics.NoopRecorder{}
	}
	if opts.RateLimit > 0 {
		burst := opts.BurstLimit
		if burst <= 0 {
			burst = opts.RateLimit
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return r, nil
}

// URLs returns a copy of the endpoint list.
func (r *Router) URLs() []string {
	out := make([]string, len(r.urls))
	copy(out, r.urls)
	return out
}

// Send performs method against the next endpoint in rotation, failing over to the
// following ones on any error. The returned result is the raw JSON of the response.
func (r *Router) Send(ctx context.Context, method string, params []any) (stdjson.RawMessage, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	n := len(r.urls)
	var lastErr error
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url := r.urls[(r.next.Add(1)-1)%uint64(n)]

		result, err := r.sendOne(ctx, url, method, params)
		if err == nil {
			r.metrics.ObserveLatency(port.MetricRPCCall, time.Since(start), map[string]string{"method": method, "outcome": "ok"})
			return result, nil
		}
		lastErr = err
		r.logger.Debug("RPC endpoint failed, trying next", "method", method, "url", url, "error", err)
	}

	r.metrics.ObserveLatency(port.MetricRPCCall, time.Since(start), map[string]string{"method": method, "outcome": "failed"})
	return nil, &entity.AllEndpointsFailedError{Method: method, Attempts: n, Last: lastErr}
}

func (r *Router) sendOne(ctx context.Context, url, method string, params []any) (stdjson.RawMessage, error) {
	resp, err := postJSONRPC(ctx, r.client, url, r.timeout, newRequest(r.reqID.Add(1), method, params))
	outcome := "ok"
	defer func() {
		r.metrics.IncCounter(port.MetricRPCAttempt, map[string]string{"method": method, "outcome": outcome, "endpoint": url})
	}()
	if err != nil {
		outcome = "transport"
		return nil, err
	}
	if resp.Error != nil {
		outcome = "rpc_error"
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return stdjson.RawMessage("null"), nil
	}
	return resp.Result, nil
}
