// Package httpclient builds the outbound HTTP clients used by reaction
// handlers, pollers, and the token broker. Every upstream call goes through
// a client from this package so per-service timeouts and circuit breakers
// apply uniformly.
package httpclient

import (
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "fuse/internal/errors"
	"fuse/internal/logging"
)

// DefaultTimeout applies when a service does not declare its own request
// timeout.
const DefaultTimeout = 15 * time.Second

// New returns an http.Client configured for outbound requests. It honors
// HTTP(S)_PROXY and NO_PROXY from the environment.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns an http.Transport clone suitable for outbound calls.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	return base.Clone()
}

// Factory hands out one shared *http.Client per upstream service. Each
// client carries the service's request timeout and trips a breaker keyed by
// the service name.
type Factory struct {
	logger   logging.Logger
	breakers *apperrors.CircuitBreakerManager

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFactory builds a Factory with default breaker settings. Breaker state
// changes are logged at warn level.
func NewFactory(logger logging.Logger) *Factory {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("HTTPClient")
	}
	config := apperrors.DefaultCircuitBreakerConfig()
	log := logger
	config.OnStateChange = func(from, to apperrors.CircuitState, name string) {
		log.Warn("Circuit breaker for %s moved %s -> %s", name, from, to)
	}
	return &Factory{
		logger:   logger,
		breakers: apperrors.NewCircuitBreakerManager(config),
		clients:  make(map[string]*http.Client),
	}
}

// ForService returns the shared client for one upstream service. The first
// call for a name fixes its timeout; catalogs are immutable after boot so
// later calls always agree.
func (f *Factory) ForService(name string, timeoutSeconds int) *http.Client {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "default"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[key]; ok {
		return client
	}

	client := New(time.Duration(timeoutSeconds) * time.Second)
	client.Transport = WrapTransportWithBreaker(client.Transport, f.breakers.Get(key))
	f.clients[key] = client
	return client
}

// Metrics reports breaker state for every client handed out so far.
func (f *Factory) Metrics() []apperrors.CircuitBreakerMetrics {
	return f.breakers.GetMetrics()
}
