package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

// BreakerConfig tunes the breaker in front of one search backend.
type BreakerConfig struct {
	// Name labels the backend in logs and metrics, e.g. "solr".
	Name string
	// HalfOpenRequests may reach the backend while half-open.
	HalfOpenRequests uint32
	// Window is how often failure counts reset while closed.
	Window time.Duration
	// OpenFor is how long the breaker rejects requests once tripped.
	OpenFor time.Duration
	// FailureRatio of failed requests within the window trips the breaker
	// once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig returns the breaker settings for a search backend.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		HalfOpenRequests: 1,
		Window:           60 * time.Second,
		OpenFor:          30 * time.Second,
		FailureRatio:     0.5,
		MinRequests:      5,
	}
}

// BreakerMetrics exports breaker state per backend.
type BreakerMetrics struct {
	state    *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

// NewBreakerMetrics creates the breaker collectors and registers them with reg.
func NewBreakerMetrics(reg prometheus.Registerer) (*BreakerMetrics, error) {
	m := &BreakerMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "search_backend_breaker_state",
			Help: "Circuit breaker state per search backend (0=closed, 1=half-open, 2=open)",
		}, []string{"backend"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_backend_breaker_rejected_total",
			Help: "Index requests rejected without reaching the backend because the breaker was open",
		}, []string{"backend"}),
	}
	for _, c := range []prometheus.Collector{m.state, m.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is wrapped into the dispatch failure returned while the
// breaker rejects requests.
var ErrCircuitOpen = gobreaker.ErrOpenState

// CircuitBreakerClient sends requests through a Client guarded by a
// breaker. Backend overload (5xx, 429) and network errors count as
// failures; a request rejected for its own content (other 4xx) and a
// caller giving up do not.
type CircuitBreakerClient struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	name    string
	metrics *BreakerMetrics
	logger  *slog.Logger
}

// NewCircuitBreakerClient wraps client. metrics may be nil.
func NewCircuitBreakerClient(client *Client, cfg BreakerConfig, metrics *BreakerMetrics, logger *slog.Logger) *CircuitBreakerClient {
	c := &CircuitBreakerClient{client: client, name: cfg.Name, metrics: metrics, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("search backend breaker state change",
				slog.String("backend", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if metrics != nil {
				metrics.state.WithLabelValues(name).Set(stateValue(to))
			}
		},
	})
	if metrics != nil {
		metrics.state.WithLabelValues(cfg.Name).Set(0)
	}
	return c
}

// Do executes req through the breaker. Retryable backend statuses come back
// as a dispatch failure wrapping *UpstreamError; any other response is
// returned for the caller to inspect.
func (c *CircuitBreakerClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if isRetryableStatus(resp.StatusCode) {
			return nil, ParseResponseError(resp, c.name)
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if c.metrics != nil {
			c.metrics.rejected.WithLabelValues(c.name).Inc()
		}
		c.logger.WarnContext(ctx, "search backend breaker rejected request",
			slog.String("backend", c.name),
			slog.String("url", req.URL.Redacted()),
		)
		return nil, apperrors.DispatchFailure(fmt.Errorf("%s: %w", c.name, err))
	}
	return resp, err
}
