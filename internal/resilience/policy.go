// Package resilience is the single retry and circuit-breaking policy every
// external adapter composes: payment backends, the accounting ledger, the
// custodian and the identity resolver.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// ErrOpen is returned without a network round-trip while the breaker is open
// or its half-open probe budget is spent.
var ErrOpen = errors.New("circuit open")

// Config parameterizes a Policy.
type Config struct {
	Name string

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64       // randomization factor, 0..1
	AttemptTimeout  time.Duration // zero leaves the caller's deadline alone

	FailureRatio   float64
	MinRequests    uint32
	Window         time.Duration // closed-state counting window
	Cooldown       time.Duration // open → half-open
	HalfOpenProbes uint32

	// Retryable decides whether an error is retried and counted against the
	// breaker. Defaults to model.IsRetryable.
	Retryable func(error) bool
}

// Defaults returns the baseline policy used when a backend has no overrides.
func Defaults(name string) Config {
	return Config{
		Name:            name,
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.3,
		FailureRatio:    0.5,
		MinRequests:     10,
		Window:          60 * time.Second,
		Cooldown:        30 * time.Second,
		HalfOpenProbes:  3,
	}
}

// Policy combines bounded exponential backoff with a circuit breaker.
type Policy struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

// New builds a Policy. Zero-valued fields fall back to Defaults.
func New(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := Defaults(cfg.Name)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.Retryable == nil {
		cfg.Retryable = model.IsRetryable
	}

	p := &Policy{cfg: cfg, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !cfg.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("resilience.breaker_state_changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetBreakerState(name, stateGauge(to))
		},
	})
	metrics.SetBreakerState(cfg.Name, 0)
	return p
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Name is the backend this policy guards.
func (p *Policy) Name() string { return p.cfg.Name }

// State exposes the breaker state for health reporting.
func (p *Policy) State() gobreaker.State { return p.breaker.State() }

func (p *Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
}

// Do runs op under the policy.
func (p *Policy) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := p.DoCounted(ctx, op)
	return err
}

// DoCounted runs op under the policy and reports how many attempts reached op.
// Non-retryable errors stop immediately; an open breaker stops immediately
// with an error wrapping ErrOpen.
func (p *Policy) DoCounted(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := 0
	operation := func() error {
		_, err := p.breaker.Execute(func() (any, error) {
			attempts++
			actx, cancel := p.attemptContext(ctx)
			defer cancel()
			return nil, op(actx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.IncBackend(p.cfg.Name, "short_circuit")
			return backoff.Permanent(fmt.Errorf("%s: %w", p.cfg.Name, ErrOpen))
		}
		if !p.cfg.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("resilience.retry",
			zap.String("backend", p.cfg.Name),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, p.newBackOff(ctx), notify)
	return attempts, err
}

func (p *Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.AttemptTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.AttemptTimeout)
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
