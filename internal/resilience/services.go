package resilience

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/metrics"
)

// External services guarded by a breaker.
const (
	ServiceEmbedding = "embedding"
	ServiceVector    = "vector"
	ServiceAnthropic = "anthropic"
)

// ServiceBreakers hands out one breaker per named service. State changes
// are logged and exported as a gauge.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates an empty registry sharing cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if cb, ok := sb.breakers[service]; ok {
		return cb
	}

	cfg := sb.cfg
	user := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("service", service),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		metrics.SetBreakerState(service, int(to))
		if user != nil {
			user(from, to)
		}
	}
	cb := NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	metrics.SetBreakerState(service, int(CircuitClosed))
	return cb
}

// States returns a snapshot keyed by service name.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(sb.breakers))
	for name, cb := range sb.breakers {
		breakers[name] = cb
	}
	sb.mu.Unlock()

	states := make(map[string]CircuitState, len(breakers))
	for name, cb := range breakers {
		states[name] = cb.State()
	}
	return states
}

// Names returns the registered service names in sorted order.
func (sb *ServiceBreakers) Names() []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	names := make([]string, 0, len(sb.breakers))
	for name := range sb.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
