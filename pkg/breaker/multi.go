package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/proddefense/llmguard/pkg/clock"
)

// MultiBreaker is a keyed registry of CircuitBreakers, one per provider
// name, that lazily creates breakers with a default configuration on first
// use. Only insertion is mutex-protected; once created, a
// breaker's own mutex governs its state.
type MultiBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
}

// NewMultiBreaker creates a registry that lazily creates breakers using cfg
// as the default configuration for every provider.
func NewMultiBreaker(cfg Config, logger *zap.Logger) *MultiBreaker {
	return NewMultiBreakerWithClock(cfg, clock.Real{}, logger)
}

// NewMultiBreakerWithClock creates a registry with an injected clock.
func NewMultiBreakerWithClock(cfg Config, c clock.Clock, logger *zap.Logger) *MultiBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiBreaker{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		clock:    c,
		logger:   logger,
	}
}

// Get returns the breaker for provider, creating it with the registry's
// default configuration if it doesn't exist yet.
func (m *MultiBreaker) Get(provider string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[provider]; ok {
		return cb
	}
	cb = NewWithClock(provider, m.cfg, m.clock, m.logger)
	m.breakers[provider] = cb
	return cb
}

// Providers returns the names of every breaker created so far.
func (m *MultiBreaker) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// stateValue maps a State to the Prometheus gauge convention used by
// Collect: 0=CLOSED, 1=OPEN, 2=HALF_OPEN.
func stateValue(s State) float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

// Describe implements prometheus.Collector.
func (m *MultiBreaker) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector, emitting one state gauge and
// request/success/failure counters per provider breaker currently
// registered.
func (m *MultiBreaker) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateDesc := prometheus.NewDesc(
		"llmguard_circuit_breaker_state",
		"Circuit breaker state per provider (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
		[]string{"provider"}, nil,
	)
	requestsDesc := prometheus.NewDesc(
		"llmguard_circuit_breaker_requests_total",
		"Total calls observed by the circuit breaker",
		[]string{"provider"}, nil,
	)
	successDesc := prometheus.NewDesc(
		"llmguard_circuit_breaker_successes_total",
		"Total successful calls observed by the circuit breaker",
		[]string{"provider"}, nil,
	)
	failureDesc := prometheus.NewDesc(
		"llmguard_circuit_breaker_failures_total",
		"Total failed calls observed by the circuit breaker",
		[]string{"provider"}, nil,
	)

	for name, cb := range m.breakers {
		state := cb.State()
		totals := cb.Totals()

		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, stateValue(state), name)
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(totals.Requests), name)
		ch <- prometheus.MustNewConstMetric(successDesc, prometheus.CounterValue, float64(totals.Successes), name)
		ch <- prometheus.MustNewConstMetric(failureDesc, prometheus.CounterValue, float64(totals.Failures), name)
	}
}
