package verifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/config"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/secrets"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/pkg/model"
	pkgsecrets "github.com/Checker-Finance/settlement/pkg/secrets"
)

const (
	txHash    = "0x" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
	processor = "pay_9f8e7d6c5b4a39281706"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	name  string
	calls atomic.Int32
	fn    func(proof, chain string) (*Observation, error)
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Lookup(_ context.Context, proof, chain string) (*Observation, error) {
	f.calls.Add(1)
	return f.fn(proof, chain)
}

func answer(confirmations int) func(string, string) (*Observation, error) {
	return func(string, string) (*Observation, error) {
		return &Observation{
			Final:         true,
			Currency:      "USDT",
			Amount:        decimal.NewFromInt(1000),
			Confirmations: confirmations,
			PaidAt:        fixedNow.Add(-time.Hour),
		}, nil
	}
}

func failing(string, string) (*Observation, error) {
	return nil, errors.New("connection reset")
}

func testBreakers(name string) resilience.Config {
	cfg := resilience.Defaults(name)
	cfg.MaxAttempts = 1
	cfg.InitialInterval = time.Millisecond
	cfg.MinRequests = 2
	cfg.FailureRatio = 0.5
	cfg.Cooldown = time.Hour
	return cfg
}

func newTestVerifier(backends ...Backend) *Verifier {
	return New(zap.NewNop(), config.DefaultChainPolicies(), backends, 10*time.Minute,
		WithClock(func() time.Time { return fixedNow }),
		WithBreakerConfig(testBreakers))
}

// ─── proof classification ───────────────────────────────────────────────────

func TestClassifyProof(t *testing.T) {
	cases := []struct {
		proof  string
		format model.ProofFormat
		reason model.FailureReason
	}{
		{"", model.ProofFormatUnknown, model.ReasonMissingProof},
		{"   ", model.ProofFormatUnknown, model.ReasonMissingProof},
		{txHash, model.ProofFormatTxHash, model.ReasonNone},
		{processor, model.ProofFormatProcessor, model.ReasonNone},
		{"pay_short", model.ProofFormatUnknown, model.ReasonMalformedProof},
		{"0x1234", model.ProofFormatUnknown, model.ReasonMalformedProof},
		{"0x" + strings.Repeat("g", 64), model.ProofFormatUnknown, model.ReasonMalformedProof},
	}
	for _, tc := range cases {
		format, reason := ClassifyProof(tc.proof)
		assert.Equal(t, tc.format, format, tc.proof)
		assert.Equal(t, tc.reason, reason, tc.proof)
	}
}

// ─── verification ───────────────────────────────────────────────────────────

func TestVerify_ValidTxHash(t *testing.T) {
	idx := &fakeBackend{name: "indexer", fn: answer(15)}
	v := newTestVerifier(idx, &fakeBackend{name: "processor", fn: failing})

	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "indexer", res.Provider)
	assert.Equal(t, 15, res.ConfirmationCount)
	for _, c := range []string{model.CheckStatus, model.CheckCurrency, model.CheckAmountTolerance, model.CheckConfirmations, model.CheckFreshness} {
		assert.True(t, res.Checks[c], c)
	}
}

func TestVerify_InsufficientConfirmations(t *testing.T) {
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: answer(3)})

	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, model.ReasonInsufficientConfirmations, res.Reason)
	assert.True(t, res.Awaitable())
}

func TestVerify_ReasonOrder(t *testing.T) {
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: func(string, string) (*Observation, error) {
		return &Observation{Final: false, Currency: "USDC", Amount: decimal.NewFromInt(1), PaidAt: fixedNow}, nil
	}})
	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotFinalized, res.Reason)

	v = newTestVerifier(&fakeBackend{name: "indexer", fn: func(string, string) (*Observation, error) {
		return &Observation{Final: true, Currency: "USDT", Amount: decimal.NewFromInt(1000), Confirmations: 20, PaidAt: fixedNow.Add(-100 * time.Hour)}, nil
	}})
	res, err = v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonExpired, res.Reason)
}

func TestVerify_AmountTolerance(t *testing.T) {
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: answer(15)})

	// 1000 paid against 1010 expected is inside 1%
	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1010))
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1100))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAmountMismatch, res.Reason)
}

func TestVerify_MissingAndMalformed(t *testing.T) {
	idx := &fakeBackend{name: "indexer", fn: answer(15)}
	v := newTestVerifier(idx)

	res, err := v.Verify(context.Background(), "", "ethereum", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonMissingProof, res.Reason)

	res, err = v.Verify(context.Background(), "not-a-proof", "ethereum", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonMalformedProof, res.Reason)
	assert.Zero(t, idx.calls.Load())
}

func TestVerify_UnknownChain(t *testing.T) {
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: answer(15)})
	_, err := v.Verify(context.Background(), txHash, "solana", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestVerify_FallsBackToSecondary(t *testing.T) {
	primary := &fakeBackend{name: "indexer", fn: failing}
	secondary := &fakeBackend{name: "processor", fn: answer(15)}
	v := newTestVerifier(primary, secondary)

	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "processor", res.Provider)
	assert.EqualValues(t, 1, primary.calls.Load())
}

func TestVerify_ProcessorPathSkipsIndexer(t *testing.T) {
	idx := &fakeBackend{name: "indexer", fn: answer(15)}
	proc := &fakeBackend{name: "processor", fn: answer(15)}
	v := newTestVerifier(idx, proc)

	res, err := v.Verify(context.Background(), processor, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "processor", res.Provider)
	assert.Zero(t, idx.calls.Load())
}

func TestVerify_AllBackendsDown(t *testing.T) {
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: failing}, &fakeBackend{name: "processor", fn: failing})

	_, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, model.IsRetryable(err))
}

func TestVerify_UnknownProofIsNotFinalized(t *testing.T) {
	missing := func(string, string) (*Observation, error) { return nil, &notFound{backend: "x"} }
	v := newTestVerifier(&fakeBackend{name: "indexer", fn: missing}, &fakeBackend{name: "processor", fn: missing})

	res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotFinalized, res.Reason)
	assert.Equal(t, "indexer", res.Provider)
}

func TestVerify_BreakerShortCircuitsPrimary(t *testing.T) {
	primary := &fakeBackend{name: "indexer", fn: failing}
	secondary := &fakeBackend{name: "processor", fn: answer(3)}
	v := newTestVerifier(primary, secondary)

	for i := 0; i < 5; i++ {
		_, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
		require.NoError(t, err)
	}
	// tripped after MinRequests=2 failures; later calls never reach the backend
	assert.EqualValues(t, 2, primary.calls.Load())
	assert.EqualValues(t, 5, secondary.calls.Load())
}

// ─── caching ────────────────────────────────────────────────────────────────

func TestVerify_CachesFinalResults(t *testing.T) {
	idx := &fakeBackend{name: "indexer", fn: answer(15)}
	v := newTestVerifier(idx)

	for i := 0; i < 3; i++ {
		res, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
		require.NoError(t, err)
		assert.True(t, res.Valid)
	}
	assert.EqualValues(t, 1, idx.calls.Load())

	// a different expected amount is re-evaluated
	_, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(2000))
	require.NoError(t, err)
	assert.EqualValues(t, 2, idx.calls.Load())
}

func TestVerify_DoesNotCacheAwaitable(t *testing.T) {
	idx := &fakeBackend{name: "indexer", fn: answer(3)}
	v := newTestVerifier(idx)

	for i := 0; i < 2; i++ {
		_, err := v.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, idx.calls.Load())
}

func TestVerify_SharedCacheTier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, nil, zap.NewNop(), time.Hour)

	first := &fakeBackend{name: "indexer", fn: answer(15)}
	v1 := New(zap.NewNop(), config.DefaultChainPolicies(), []Backend{first}, time.Minute,
		WithClock(func() time.Time { return fixedNow }), WithSharedCache(st))
	_, err := v1.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)

	second := &fakeBackend{name: "indexer", fn: failing}
	v2 := New(zap.NewNop(), config.DefaultChainPolicies(), []Backend{second}, time.Minute,
		WithClock(func() time.Time { return fixedNow }), WithSharedCache(st))
	res, err := v2.Verify(context.Background(), txHash, "ethereum", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, second.calls.Load())
}

// ─── HTTP backends ──────────────────────────────────────────────────────────

func TestIndexer_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chains/ethereum/transactions/"+txHash, r.URL.Path)
		assert.Equal(t, "k-indexer", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hash":"` + txHash + `","status":"confirmed","token":"USDT","amount":"1000","confirmations":15,"block_time":"2026-03-01T11:00:00Z"}`))
	}))
	defer srv.Close()

	creds := secrets.NewResolver(zap.NewNop(), "test", "settlement",
		pkgsecrets.StaticProvider{"test/settlement/indexer": {"api_key": "k-indexer"}},
		pkgsecrets.NewCache[secrets.Credentials](time.Minute), secrets.ParseCredentials)
	b := NewIndexer(zap.NewNop(), rate.NewManager(rate.Config{RequestsPerSecond: 100, Burst: 100}), "indexer", srv.URL, time.Second, creds)

	obs, err := b.Lookup(context.Background(), txHash, "ethereum")
	require.NoError(t, err)
	assert.True(t, obs.Final)
	assert.Equal(t, 15, obs.Confirmations)
	assert.True(t, obs.Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "ethereum", obs.Network)
}

func TestProcessor_LookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/"+processor, r.URL.Path)
		assert.Equal(t, "tron", r.URL.Query().Get("chain"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewProcessor(zap.NewNop(), nil, "processor", srv.URL, time.Second, nil)
	_, err := b.Lookup(context.Background(), processor, "tron")
	assert.ErrorIs(t, err, ErrProofNotFound)
	assert.False(t, model.IsRetryable(err))
}

func TestProcessor_LookupSettled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"` + processor + `","status":"settled","currency":"usdt","amount":"250.5","confirmations":30,"network":"tron","created_at":"2026-03-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	b := NewProcessor(zap.NewNop(), nil, "processor", srv.URL, time.Second, nil)
	obs, err := b.Lookup(context.Background(), processor, "tron")
	require.NoError(t, err)
	assert.True(t, obs.Final)
	assert.Equal(t, "tron", obs.Network)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), obs.PaidAt)
}
