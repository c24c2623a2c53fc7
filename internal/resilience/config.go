package resilience

import (
	"time"

	"github.com/grantvault/orgmemory/internal/config"
)

// FromConfig builds breaker settings from deployment config. Zero values
// keep the defaults. Only provider failures trip the breaker.
func FromConfig(c config.ResilienceConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.ShouldTrip = ProviderFailure
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}

// RetryAttempts returns the default retry policy capped at attempts tries.
// attempts <= 1 disables retries.
func RetryAttempts(attempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = max(attempts, 1)
	return cfg
}
