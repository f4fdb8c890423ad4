package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failN(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("fail") })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("classifier", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("gen", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	failN(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gen", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gen", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	failN(cb, 2)
	now = now.Add(2 * time.Minute)
	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker("gen", CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	failN(cb, 5)
	assert.Equal(t, CircuitClosed, cb.State(), "permanent errors do not trip")
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("gen", DefaultCircuitBreakerConfig())
	got, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker("gen", CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
