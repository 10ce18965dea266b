package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/config"
	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/pkg/model"
	pkgsecrets "github.com/Checker-Finance/settlement/pkg/secrets"
	"github.com/Checker-Finance/settlement/pkg/utils"
)

var (
	// ErrUnknownChain is returned for a chain with no configured policy.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrUnavailable means every backend for the proof's path failed to answer.
	ErrUnavailable = errors.New("verification backends unavailable")
)

// SharedCache is the cross-process result cache (Redis in production).
type SharedCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Verifier proves payment references against the configured backends.
type Verifier struct {
	logger   *zap.Logger
	policies *config.ChainPolicies
	backends map[string]Backend
	breakers map[string]*resilience.Policy
	local    *pkgsecrets.Cache[model.VerificationResult]
	shared   SharedCache
	now      func() time.Time
	breakerC func(name string) resilience.Config
}

type Option func(*Verifier)

// WithSharedCache adds a second cache tier behind the in-process one.
func WithSharedCache(c SharedCache) Option { return func(v *Verifier) { v.shared = c } }

// WithClock overrides the time source used for freshness and caching.
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// WithBreakerConfig overrides the per-backend resilience settings.
func WithBreakerConfig(f func(name string) resilience.Config) Option {
	return func(v *Verifier) { v.breakerC = f }
}

// New builds a Verifier over backends. Each backend gets its own breaker.
func New(logger *zap.Logger, policies *config.ChainPolicies, backends []Backend, cacheTTL time.Duration, opts ...Option) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		logger:   logger,
		policies: policies,
		backends: make(map[string]Backend, len(backends)),
		breakers: make(map[string]*resilience.Policy, len(backends)),
		now:      time.Now,
	}
	v.breakerC = func(name string) resilience.Config {
		cfg := resilience.Defaults(name)
		cfg.MaxAttempts = 2
		if spec, ok := policies.Backends[name]; ok {
			cfg.AttemptTimeout = spec.Timeout
		}
		return cfg
	}
	for _, o := range opts {
		o(v)
	}
	v.local = pkgsecrets.NewCache[model.VerificationResult](cacheTTL).WithClock(v.now)
	for _, b := range backends {
		v.backends[b.Name()] = b
		v.breakers[b.Name()] = resilience.New(v.breakerC(b.Name()), logger)
	}
	return v
}

// Cache exposes the in-process tier so main can run its cleaner.
func (v *Verifier) Cache() *pkgsecrets.Cache[model.VerificationResult] { return v.local }

// Verify checks proof on chain against the expected USDT amount.
// Proof-level failures come back as an invalid result; an error means no
// backend could answer.
func (v *Verifier) Verify(ctx context.Context, proof, chain string, expected decimal.Decimal) (*model.VerificationResult, error) {
	proof = strings.TrimSpace(proof)
	now := v.now().UTC()
	res := &model.VerificationResult{
		Proof:          proof,
		Network:        chain,
		ExpectedAmount: expected,
		Checks:         map[string]bool{},
		VerifiedAt:     now,
	}

	format, reason := ClassifyProof(proof)
	if reason != model.ReasonNone {
		res.Reason = reason
		return res, nil
	}

	spec, ok := v.policies.Chain(chain)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
	if chain == "" {
		chain = v.policies.DefaultChain
	}
	chain = strings.ToLower(chain)
	res.Network = chain

	key := cacheKey(proof, chain)
	if hit := v.cached(ctx, key, expected); hit != nil {
		return hit, nil
	}

	path := spec.TxHash
	if format == model.ProofFormatProcessor {
		path = spec.Processor
	}
	obs, provider, err := v.lookup(ctx, path, proof, chain)
	if err != nil {
		return nil, err
	}
	res.Provider = provider
	if obs == nil {
		// every backend answered "unknown": not yet visible on chain
		res.Reason = model.ReasonNotFinalized
		return res, nil
	}

	evaluate(res, obs, spec, now)
	v.logger.Info("verifier.verified",
		zap.String("proof", utils.MaskProof(proof)),
		zap.String("chain", chain),
		zap.String("provider", provider),
		zap.Bool("valid", res.Valid),
		zap.String("reason", string(res.Reason)),
		zap.Int("confirmations", res.ConfirmationCount))

	if !res.Awaitable() {
		v.store(ctx, key, res)
	}
	return res, nil
}

func (v *Verifier) lookup(ctx context.Context, path []string, proof, chain string) (*Observation, string, error) {
	var lastErr error
	unknownAt := ""
	for _, name := range path {
		backend, ok := v.backends[name]
		if !ok {
			continue
		}
		obs, err := resilience.Call(ctx, v.breakers[name], func(ctx context.Context) (*Observation, error) {
			return backend.Lookup(ctx, proof, chain)
		})
		if err == nil {
			return obs, name, nil
		}
		if errors.Is(err, ErrProofNotFound) {
			if unknownAt == "" {
				unknownAt = name
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err
		metrics.IncError("verifier", "backend_failed")
		v.logger.Warn("verifier.backend_failed",
			zap.String("backend", name),
			zap.String("proof", utils.MaskProof(proof)),
			zap.Error(err))
	}
	if unknownAt != "" {
		return nil, unknownAt, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no backend configured for chain %s", chain)
	}
	return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// evaluate fills in the sub-checks and the first failing reason.
func evaluate(res *model.VerificationResult, obs *Observation, spec config.ChainSpec, now time.Time) {
	if obs.Network != "" {
		res.Network = obs.Network
	}
	res.ConfirmedAmount = obs.Amount
	res.ConfirmationCount = obs.Confirmations
	res.PaidAt = obs.PaidAt

	tolerance := res.ExpectedAmount.Mul(decimal.NewFromFloat(spec.Tolerance))
	res.Checks[model.CheckStatus] = obs.Final
	res.Checks[model.CheckCurrency] = strings.EqualFold(obs.Currency, spec.Currency)
	res.Checks[model.CheckAmountTolerance] = obs.Amount.Sub(res.ExpectedAmount).Abs().LessThanOrEqual(tolerance)
	res.Checks[model.CheckConfirmations] = obs.Confirmations >= spec.MinConfirmations
	res.Checks[model.CheckFreshness] = !obs.PaidAt.IsZero() && now.Sub(obs.PaidAt) <= spec.Freshness

	order := []struct {
		check  string
		reason model.FailureReason
	}{
		{model.CheckStatus, model.ReasonNotFinalized},
		{model.CheckCurrency, model.ReasonWrongToken},
		{model.CheckAmountTolerance, model.ReasonAmountMismatch},
		{model.CheckConfirmations, model.ReasonInsufficientConfirmations},
		{model.CheckFreshness, model.ReasonExpired},
	}
	for _, o := range order {
		if !res.Checks[o.check] {
			res.Reason = o.reason
			return
		}
	}
	res.Valid = true
}

// ─── cache ──────────────────────────────────────────────────────────────────

func cacheKey(proof, chain string) string {
	return "settlement:verification:" + chain + ":" + proof
}

func (v *Verifier) cached(ctx context.Context, key string, expected decimal.Decimal) *model.VerificationResult {
	if r, ok := v.local.Get(key); ok && r.ExpectedAmount.Equal(expected) {
		metrics.IncCache("local", "hit")
		return &r
	}
	metrics.IncCache("local", "miss")
	if v.shared == nil {
		return nil
	}
	var r model.VerificationResult
	if err := v.shared.GetJSON(ctx, key, &r); err != nil || !r.ExpectedAmount.Equal(expected) {
		metrics.IncCache("shared", "miss")
		return nil
	}
	metrics.IncCache("shared", "hit")
	v.local.Put(key, r)
	return &r
}

func (v *Verifier) store(ctx context.Context, key string, res *model.VerificationResult) {
	v.local.Put(key, *res)
	if v.shared == nil {
		return
	}
	if err := v.shared.SetJSON(ctx, key, res, v.local.TTL()); err != nil {
		v.logger.Warn("verifier.cache_write_failed", zap.Error(err))
	}
}
