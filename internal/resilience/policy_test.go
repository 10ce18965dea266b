package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/pkg/model"
)

func fastConfig(name string) Config {
	return Config{
		Name:            name,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MinRequests:     4,
		FailureRatio:    0.5,
		Window:          time.Minute,
		Cooldown:        50 * time.Millisecond,
		HalfOpenProbes:  1,
	}
}

var errFlaky = errors.New("flaky")

// ─── Retry ───────────────────────────────────────────────────────────────────

func TestDoCounted_RetriesTransientThenSucceeds(t *testing.T) {
	p := New(fastConfig("retry-ok"), zap.NewNop())

	calls := 0
	attempts, err := p.DoCounted(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoCounted_StopsAtCeiling(t *testing.T) {
	p := New(fastConfig("retry-ceiling"), zap.NewNop())

	attempts, err := p.DoCounted(context.Background(), func(context.Context) error {
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, attempts)
}

func TestDoCounted_PermanentNotRetried(t *testing.T) {
	p := New(fastConfig("retry-permanent"), zap.NewNop())

	perm := model.Permanent(model.StageAssetTransferred, model.ReasonPolicyDenied, errors.New("denied"))
	attempts, err := p.DoCounted(context.Background(), func(context.Context) error {
		return perm
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	pe, ok := model.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, model.ReasonPolicyDenied, pe.Reason)
}

func TestDoCounted_AttemptTimeout(t *testing.T) {
	cfg := fastConfig("retry-timeout")
	cfg.AttemptTimeout = 5 * time.Millisecond
	p := New(cfg, zap.NewNop())

	calls := 0
	_, err := p.DoCounted(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// ─── Breaker ─────────────────────────────────────────────────────────────────

func TestBreaker_OpensAndFailsFast(t *testing.T) {
	cfg := fastConfig("breaker-open")
	cfg.MaxAttempts = 1
	p := New(cfg, zap.NewNop())

	for i := 0; i < 4; i++ {
		_ = p.Do(context.Background(), func(context.Context) error { return errFlaky })
	}
	require.Equal(t, gobreaker.StateOpen, p.State())

	reached := false
	err := p.Do(context.Background(), func(context.Context) error {
		reached = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, reached, "open breaker must not reach the backend")
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	cfg := fastConfig("breaker-half-open")
	cfg.MaxAttempts = 1
	p := New(cfg, zap.NewNop())

	for i := 0; i < 4; i++ {
		_ = p.Do(context.Background(), func(context.Context) error { return errFlaky })
	}
	require.Equal(t, gobreaker.StateOpen, p.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, p.State())

	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cfg := fastConfig("breaker-permanent")
	cfg.MaxAttempts = 1
	p := New(cfg, zap.NewNop())

	perm := model.Permanent(model.StageMatched, model.ReasonListingNotFound, nil)
	for i := 0; i < 10; i++ {
		_ = p.Do(context.Background(), func(context.Context) error { return perm })
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	p := New(fastConfig("call"), zap.NewNop())
	v, err := Call(context.Background(), p, func(context.Context) (string, error) { return "rcpt-1", nil })
	require.NoError(t, err)
	assert.Equal(t, "rcpt-1", v)
}
