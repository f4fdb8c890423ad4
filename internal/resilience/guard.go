package resilience

import "context"

// Guard combines a retry policy with a circuit breaker for one service.
// Each attempt goes through the breaker, so an open circuit ends the retry
// loop instead of sleeping through it.
type Guard struct {
	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// NewGuard creates a Guard for service. OnRetry defaults to RetryLogger.
func NewGuard(service string, retry RetryConfig, breaker CircuitBreakerConfig) *Guard {
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(service, "call")
	}
	return &Guard{Retry: retry, Breaker: NewCircuitBreaker(service, breaker)}
}

// Call runs fn under g. A nil Guard calls fn once.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	return DoVal(ctx, g.Retry, func(ctx context.Context) (T, error) {
		if g.Breaker == nil {
			return fn(ctx)
		}
		return ExecuteVal(ctx, g.Breaker, fn)
	})
}
