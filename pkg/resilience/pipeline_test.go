package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/resilience/pkg/breaker"
	"github.com/grafana/resilience/pkg/retry"
)

func TestNewPipelineRejectsInvalidConfig(t *testing.T) {
	reg := NewRegistry()
	_, err := NewPipeline[int](
		WithRegistry[int](reg),
		WithBreaker[int](breaker.Config{ServiceKey: "", FailureThreshold: 3, SamplingWindow: 3, HalfOpenDelay: 100 * time.Millisecond}),
	)
	require.Error(t, err)
	var invalid *InvalidConfigError
	require.ErrorAs(t, err, &invalid)
}

func TestPipelinePassesThroughOnSuccess(t *testing.T) {
	reg := NewRegistry()
	p, err := NewPipeline[int](WithRegistry[int](reg))
	require.NoError(t, err)

	result, err := p.Run(context.Background(), func(ctx context.Context) (int, error) { return 9, nil })
	require.NoError(t, err)
	require.Equal(t, 9, result)
}

func TestPipelineFallbackSubstitutesOnError(t *testing.T) {
	reg := NewRegistry()
	p, err := NewPipeline[int](
		WithRegistry[int](reg),
		WithFallback[int](func(ctx context.Context, err error) (int, bool) { return -1, true }),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.NoError(t, err)
	require.Equal(t, -1, result)
}

func TestPipelineFallbackDoesNotSwallowCancellation(t *testing.T) {
	reg := NewRegistry()
	p, err := NewPipeline[int](
		WithRegistry[int](reg),
		WithFallback[int](func(ctx context.Context, err error) (int, bool) { return -1, true }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Run(ctx, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
}

func TestPipelineRetryThenTimeoutThenBreakerOrder(t *testing.T) {
	// Breaker trips on the first failure; a retry layer outside it
	// should see CircuitOpenError as non-retriable by default and give
	// up immediately after the breaker itself opens.
	reg := NewRegistry()
	p, err := NewPipeline[int](
		WithRegistry[int](reg),
		WithRetry[int](retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, DisableJitter: true}),
		WithTimeout[int](time.Second),
		WithBreaker[int](breaker.Config{ServiceKey: "svc", FailureThreshold: 1, SamplingWindow: 1, HalfOpenDelay: time.Hour}),
	)
	require.NoError(t, err)

	attempts := 0
	op := func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("downstream failure")
	}

	_, err = p.Run(context.Background(), op)
	require.Error(t, err)
	require.Equal(t, 1, attempts, "breaker should trip on the first failure and short-circuit further retries")

	var openErr *CircuitOpenError
	_, err = p.Run(context.Background(), op)
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, 1, attempts, "a subsequent call while open must not invoke the operation again")
}
