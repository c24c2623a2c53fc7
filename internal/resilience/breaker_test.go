package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantvault/orgmemory/internal/config"
)

var errProvider = errors.New("provider down")

func fail(_ context.Context) error { return errProvider }
func failTransient(_ context.Context) error { return NewTransientError(errProvider, 503) }
func succeed(_ context.Context) error { return nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = clock.Now
	return cb, clock
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errProvider)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errProvider)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	failures, _ := cb.Counters()
	assert.Equal(t, 2, failures)

	require.NoError(t, cb.Execute(ctx, succeed))
	failures, state := cb.Counters()
	assert.Zero(t, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// A failed probe reopens.
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreaker_ShouldTripFiltersErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return NewTransientError(errProvider, 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestExecuteVal_CallerCancelNotRecorded(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func(context.Context) error {
			cancel()
			return context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	failures, state := cb.Counters()
	assert.Equal(t, 0, failures)
	assert.Equal(t, CircuitClosed, state)

	// A provider error after the caller cancelled is not the provider's fault either.
	ctx, cancel := context.WithCancel(context.Background())
	_ = cb.Execute(ctx, func(context.Context) error {
		cancel()
		return errProvider
	})
	failures, _ = cb.Counters()
	assert.Equal(t, 0, failures)
}

func TestProviderFailure(t *testing.T) {
	assert.False(t, ProviderFailure(nil))
	assert.False(t, ProviderFailure(context.Canceled))
	assert.False(t, ProviderFailure(errProvider))
	assert.True(t, ProviderFailure(NewTransientError(errProvider, 502)))
	assert.True(t, ProviderFailure(context.DeadlineExceeded))
}

func TestFromConfig_TripsOnlyOnProviderFailures(t *testing.T) {
	cb := NewCircuitBreaker(FromConfig(config.ResilienceConfig{FailureThreshold: 1}))

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), failTransient)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteVal_NilBreakerCallsThrough(t *testing.T) {
	v, err := ExecuteVal(context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestExecuteVal_OpenReturnsZero(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	_ = cb.Execute(context.Background(), fail)

	v, err := ExecuteVal(context.Background(), cb, func(context.Context) ([]float32, error) {
		return []float32{1}, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Nil(t, v)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), fail)
			} else {
				_ = cb.Execute(context.Background(), succeed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers_OnePerService(t *testing.T) {
	sb := NewServiceBreakers(FromConfig(config.ResilienceConfig{FailureThreshold: 2, ResetTimeoutSecs: 10}))

	emb := sb.Get(ServiceEmbedding)
	assert.Same(t, emb, sb.Get(ServiceEmbedding))
	assert.NotSame(t, emb, sb.Get(ServiceVector))
	assert.Equal(t, []string{ServiceEmbedding, ServiceVector}, sb.Names())

	_ = emb.Execute(context.Background(), failTransient)
	_ = emb.Execute(context.Background(), failTransient)

	states := sb.States()
	assert.Equal(t, CircuitOpen, states[ServiceEmbedding])
	assert.Equal(t, CircuitClosed, states[ServiceVector])
}

func TestFromConfig_Defaults(t *testing.T) {
	cfg := FromConfig(config.ResilienceConfig{})
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)

	cfg = FromConfig(config.ResilienceConfig{FailureThreshold: 8, ResetTimeoutSecs: 60})
	assert.Equal(t, 8, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.ResetTimeout)
}
