package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// ErrOpen is returned without calling the collaborator while the breaker is open.
var ErrOpen = circuitbreaker.ErrOpen

// Config configures a Policy.
type Config struct {
	// Name identifies the collaborator in logs and metrics.
	Name string

	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// The breaker opens once FailureThreshold of the last FailureWindow calls failed,
	// and stays open for Cooldown before letting a probe through.
	FailureThreshold uint
	FailureWindow    uint
	Cooldown         time.Duration

	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool

	Logger        *logrus.Logger
	OnStateChange func(name string, open bool)
	// OnResult is called once per Get with the final error, nil on success.
	OnResult func(name string, err error)
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "collaborator"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = 10
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = (c.FailureWindow + 1) / 2
	}
	if c.FailureThreshold > c.FailureWindow {
		c.FailureThreshold = c.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	return c
}

// Policy wraps calls to one external collaborator with retry and exponential
// backoff inside a circuit breaker. It is owned by the client, so callers only
// see success or a final error.
type Policy[R any] struct {
	name     string
	breaker  circuitbreaker.CircuitBreaker[R]
	executor failsafe.Executor[R]
	onResult func(string, error)
}

// New builds a Policy for results of type R.
func New[R any](cfg Config) *Policy[R] {
	cfg = cfg.withDefaults()

	retryable := func(err error) bool {
		if err == nil || errors.Is(err, circuitbreaker.ErrOpen) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return cfg.Retryable == nil || cfg.Retryable(err)
	}

	cbBuilder := circuitbreaker.NewBuilder[R]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.Cooldown).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			open := event.NewState == circuitbreaker.OpenState
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logrus.Fields{
					"collaborator": cfg.Name,
					"from_state":   stateName(event.OldState),
					"to_state":     stateName(event.NewState),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, open)
			}
		})
	breaker := cbBuilder.Build()

	retry := retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ R, err error) bool { return retryable(err) }).
		Build()

	return &Policy[R]{
		name:     cfg.Name,
		breaker:  breaker,
		executor: failsafe.With[R](retry, breaker),
		onResult: cfg.OnResult,
	}
}

// Get runs fn under the policy. fn receives the caller's context and must
// honor its cancellation.
func (p *Policy[R]) Get(ctx context.Context, fn func(ctx context.Context) (R, error)) (R, error) {
	res, err := p.executor.WithContext(ctx).Get(func() (R, error) {
		return fn(ctx)
	})
	if p.onResult != nil {
		p.onResult(p.name, err)
	}
	return res, err
}

// Name returns the collaborator name.
func (p *Policy[R]) Name() string { return p.name }

// IsOpen reports whether the breaker is currently rejecting calls.
func (p *Policy[R]) IsOpen() bool { return p.breaker.IsOpen() }

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
