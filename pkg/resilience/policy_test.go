package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig() Config {
	return Config{
		Name:             "test",
		MaxRetries:       3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		FailureThreshold: 10,
		FailureWindow:    10,
		Cooldown:         time.Hour,
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	p := New[int](fastConfig())

	calls := 0
	got, err := p.Get(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	p := New[int](fastConfig())

	calls := 0
	_, err := p.Get(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestSkipsNonRetryable(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("bad request")
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	p := New[int](cfg)

	calls := 0
	_, err := p.Get(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	cfg.FailureWindow = 2

	var transitions []bool
	cfg.OnStateChange = func(name string, open bool) {
		assert.Equal(t, "test", name)
		transitions = append(transitions, open)
	}
	p := New[int](cfg)

	calls := 0
	fail := func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	}

	for range 2 {
		_, err := p.Get(context.Background(), fail)
		require.ErrorIs(t, err, errTransient)
	}
	assert.True(t, p.IsOpen())

	_, err := p.Get(context.Background(), fail)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []bool{true}, transitions)
}

func TestCanceledContextIsNotRetried(t *testing.T) {
	p := New[int](fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := p.Get(ctx, func(ctx context.Context) (int, error) {
		calls++
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestDefaults(t *testing.T) {
	cfg := Config{FailureThreshold: 50, FailureWindow: 10, MaxRetries: -1}.withDefaults()
	assert.Equal(t, "collaborator", cfg.Name)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, uint(10), cfg.FailureThreshold)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Cooldown)
}

func TestOnResultSeesFinalError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	var got []error
	cfg.OnResult = func(_ string, err error) { got = append(got, err) }
	p := New[int](cfg)

	_, _ = p.Get(context.Background(), func(context.Context) (int, error) { return 1, nil })
	_, _ = p.Get(context.Background(), func(context.Context) (int, error) { return 0, errTransient })

	require.Len(t, got, 2)
	assert.NoError(t, got[0])
	assert.ErrorIs(t, got[1], errTransient)
}

func TestRetryableHTTP(t *testing.T) {
	assert.True(t, RetryableHTTP(errors.New("connection reset")))
	assert.True(t, RetryableHTTP(&StatusError{Service: "openai", StatusCode: 429}))
	assert.True(t, RetryableHTTP(&StatusError{Service: "openai", StatusCode: 503}))
	assert.False(t, RetryableHTTP(&StatusError{Service: "openai", StatusCode: 401}))
	assert.False(t, RetryableHTTP(fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 400})))
}
