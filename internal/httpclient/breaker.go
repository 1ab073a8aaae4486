package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "fuse/internal/errors"
)

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *apperrors.CircuitBreaker
}

// NewWithCircuitBreaker builds a standalone client guarded by its own
// breaker. Components that run outside the per-service Factory use it
// directly.
func NewWithCircuitBreaker(timeout time.Duration, name string) *http.Client {
	client := New(timeout)
	breaker := apperrors.NewCircuitBreaker(name, apperrors.DefaultCircuitBreakerConfig())
	client.Transport = WrapTransportWithBreaker(client.Transport, breaker)
	return client
}

// WrapTransportWithBreaker guards a transport with the provided breaker.
func WrapTransportWithBreaker(base http.RoundTripper, breaker *apperrors.CircuitBreaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerRoundTripper{base: base, breaker: breaker}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// A canceled caller says nothing about upstream health.
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

// Only statuses that point at upstream distress count against the breaker.
// Client-side mistakes (4xx) never trip it.
func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
