package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions configures BreakerTransport.
type BreakerOptions struct {
	Name                   string
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
	Logger                 *slog.Logger
}

// BreakerTransport fails upstream round trips fast after repeated transport
// failures. HTTP error statuses are responses, not failures, and never trip
// it; neither does caller cancellation.
type BreakerTransport struct {
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerTransport(base http.RoundTripper, options BreakerOptions) *BreakerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if options.Name == "" {
		options.Name = "upstream"
	}
	if options.MaxConsecutiveFailures == 0 {
		options.MaxConsecutiveFailures = 5
	}
	if options.OpenTimeout <= 0 {
		options.OpenTimeout = 30 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := options.MaxConsecutiveFailures

	return &BreakerTransport{
		base: base,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    options.Name,
			Timeout: options.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("upstream circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.base.RoundTrip(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("upstream circuit breaker %q: %w", t.breaker.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// State reports the breaker state name: closed, half-open or open.
func (t *BreakerTransport) State() string {
	return t.breaker.State().String()
}
