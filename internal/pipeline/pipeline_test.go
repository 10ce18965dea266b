package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/bus"
	"github.com/Checker-Finance/settlement/internal/config"
	"github.com/Checker-Finance/settlement/internal/custodian"
	"github.com/Checker-Finance/settlement/internal/ledger"
	"github.com/Checker-Finance/settlement/internal/matching"
	"github.com/Checker-Finance/settlement/internal/reconcile"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/internal/transfer"
	"github.com/Checker-Finance/settlement/internal/verifier"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// ─── Fakes ───

type chainBackend struct {
	mu   sync.Mutex
	obs  map[string]verifier.Observation
	hits atomic.Int32
}

func (b *chainBackend) Name() string { return "indexer" }

func (b *chainBackend) Lookup(_ context.Context, proof, _ string) (*verifier.Observation, error) {
	b.hits.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.obs[proof]
	if !ok {
		return nil, verifier.ErrProofNotFound
	}
	o.PaidAt = time.Now().Add(-time.Minute)
	return &o, nil
}

func (b *chainBackend) pay(proof string, amount string, confirmations int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obs[proof] = verifier.Observation{
		Final:         true,
		Currency:      "USDT",
		Amount:        decimal.RequireFromString(amount),
		Confirmations: confirmations,
		Network:       "ethereum",
	}
}

type directory struct{ suspended map[string]bool }

func (d directory) Resolve(_ context.Context, account string) (model.Vault, error) {
	status := "active"
	if d.suspended[account] {
		status = "suspended"
	}
	return model.Vault{AccountID: account, VaultID: "v-" + account, Status: status}, nil
}

type countingAccounting struct{ submits atomic.Int32 }

func (a *countingAccounting) Submit(context.Context, string, *model.JournalPosting) error {
	a.submits.Add(1)
	return nil
}

type flakyError struct{}

func (flakyError) Error() string   { return "custodian rpc timeout" }
func (flakyError) Temporary() bool { return true }

// fakeCustodian applies each idempotency key once and serves holdings.
type fakeCustodian struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	moved     map[string]*custodian.Movement
	holdings  map[string][]model.Holding
}

func newFakeCustodian() *fakeCustodian {
	return &fakeCustodian{moved: map[string]*custodian.Movement{}, holdings: map[string][]model.Holding{}}
}

func (c *fakeCustodian) Issue(ctx context.Context, req custodian.IssueRequest) (*custodian.Movement, error) {
	return c.ChangeOwner(ctx, custodian.ChangeOwnerRequest{IdempotencyKey: req.IdempotencyKey, From: model.TreasuryAccount, To: req.To, Amount: req.Amount})
}

func (c *fakeCustodian) ChangeOwner(_ context.Context, req custodian.ChangeOwnerRequest) (*custodian.Movement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFirst {
		return nil, flakyError{}
	}
	if m, ok := c.moved[req.IdempotencyKey]; ok {
		return m, nil
	}
	m := &custodian.Movement{AssetReceiptID: "rcpt-" + req.IdempotencyKey, Status: "completed"}
	c.moved[req.IdempotencyKey] = m
	c.holdings[req.To] = append(c.holdings[req.To], model.Holding{AssetReceiptID: m.AssetReceiptID, Amount: req.Amount})
	return m, nil
}

func (c *fakeCustodian) RevealOwnership(_ context.Context, account string) (*model.Ownership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &model.Ownership{AccountID: account, Holdings: append([]model.Holding(nil), c.holdings[account]...)}, nil
}

func (c *fakeCustodian) movements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.moved)
}

// ─── Harness ───

type harness struct {
	bus        *bus.Memory
	store      *store.HybridStore
	arena      *matching.MemoryArena
	payments   *chainBackend
	accounting *countingAccounting
	custodian  *fakeCustodian
	publisher  *Publisher

	mu       sync.Mutex
	receipts map[string][]*model.Receipt
}

func newHarness(t *testing.T, reservationTTL time.Duration, custodianFailures int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	st := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil, zap.NewNop(), time.Hour)
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	h := &harness{
		bus:        b,
		store:      st,
		arena:      matching.NewMemoryArena(),
		payments:   &chainBackend{obs: map[string]verifier.Observation{}},
		accounting: &countingAccounting{},
		custodian:  newFakeCustodian(),
		publisher:  NewPublisher(b),
		receipts:   map[string][]*model.Receipt{},
	}
	h.custodian.failFirst = custodianFailures

	quick := func(name string, attempts int) *resilience.Policy {
		return resilience.New(resilience.Config{
			Name: name, MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MinRequests: 1000,
		}, zap.NewNop())
	}

	engine := matching.NewEngine(zap.NewNop(), h.arena, matching.Config{
		ReservationTTL:    reservationTTL,
		PlatformFeeBps:    100,
		TreasuryUnitPrice: decimal.NewFromInt(1),
	})
	poster := ledger.NewPoster(zap.NewNop(), h.accounting, st)
	deps := Deps{
		Publisher:         h.publisher,
		Store:             st,
		Identity:          directory{suspended: map[string]bool{"mallory": true}},
		Verifier:          verifier.New(zap.NewNop(), config.DefaultChainPolicies(), []verifier.Backend{h.payments}, time.Minute),
		Engine:            engine,
		Poster:            poster,
		Transfers:         transfer.NewExecutor(zap.NewNop(), h.custodian, st, quick("custodian", 5)),
		Reconciler:        reconcile.New(zap.NewNop(), st, poster, h.custodian, quick("oracle", 2), engine),
		TreasuryUnitPrice: decimal.NewFromInt(1),
	}
	p := New(zap.NewNop(), b, RunnerConfig{
		Workers:       4,
		MaxDeliveries: 3,
		RetryDelay:    5 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
	}, "test", deps)
	require.NoError(t, p.Start(ctx))

	require.NoError(t, b.Subscribe(ctx, TopicReceipts, "test.receipts", func(_ context.Context, msg *bus.Message) {
		defer func() { _ = msg.Ack() }()
		env, err := Decode(msg.Payload)
		if err != nil {
			return
		}
		r, err := Unpack[model.Receipt](env)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.receipts[r.EventID] = append(h.receipts[r.EventID], &r)
		h.mu.Unlock()
	}))
	return h
}

func (h *harness) awaitReceipt(t *testing.T, eventID string) *model.Receipt {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.receipts[eventID]) > 0
	}, 5*time.Second, 10*time.Millisecond, "no receipt for %s", eventID)
	r, err := h.store.GetReceipt(context.Background(), eventID)
	require.NoError(t, err)
	return r
}

func (h *harness) seedListing(t *testing.T, id string, amount int64, partial bool) {
	t.Helper()
	now := time.Now().UTC()
	_, err := h.arena.CreateListing(context.Background(), &model.Listing{
		ListingID: id, SellerID: "carol", EventID: "evt-" + id,
		TotalAmount: amount, AvailableAmount: amount, PricePerUnit: decimal.RequireFromString("1.5"),
		AllowPartial: partial, Status: model.ListingActive, CreatedAt: now, ExpiresAt: now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
}

func proof(n int) string { return fmt.Sprintf("0x%064x", n) }

// ─── Scenarios ───

func TestPipeline_TreasuryIssuanceCompletes(t *testing.T) {
	h := newHarness(t, time.Minute, 0)
	h.payments.pay(proof(1), "1000", 15)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-treasury", From: "buyer", To: model.TreasuryAccount, Amount: 1000,
		PaymentProof: proof(1), Chain: "ethereum", TreasuryDestination: true,
	}))

	r := h.awaitReceipt(t, "evt-treasury")
	assert.Equal(t, model.ReceiptCompleted, r.Status)
	assert.Equal(t, model.IntentTreasuryIssuance, r.Intent)
	assert.EqualValues(t, 1000, r.Amount)
	require.NotNil(t, r.Payment)
	assert.Equal(t, 15, r.Payment.ConfirmationCount)
	for _, stage := range []model.Stage{model.StageReceived, model.StagePaymentPending, model.StagePaymentConfirmed, model.StageMatched, model.StageLedgerPosted, model.StageAssetTransferred, model.StageReconciled} {
		assert.Contains(t, r.Timestamps, stage)
	}

	own, err := h.custodian.RevealOwnership(context.Background(), "buyer")
	require.NoError(t, err)
	require.Len(t, own.Holdings, 1)
	assert.EqualValues(t, 1000, own.Holdings[0].Amount)
}

func TestPipeline_ListingInsufficientFails(t *testing.T) {
	h := newHarness(t, time.Minute, 0)
	h.seedListing(t, "lst-small", 2000, false)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-short", From: "buyer", To: model.LiquidityPoolAccount, Amount: 2500,
		ListingID: "lst-small", PaymentProof: proof(2), Chain: "ethereum",
	}))

	r := h.awaitReceipt(t, "evt-short")
	assert.Equal(t, model.ReceiptFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, model.ReasonListingInsufficient, r.Error.Reason)
	assert.Zero(t, h.accounting.submits.Load(), "no journal posting")
	assert.Zero(t, h.custodian.movements(), "no transfer attempted")

	l, err := h.arena.GetListing(context.Background(), "lst-small")
	require.NoError(t, err)
	assert.EqualValues(t, 2000, l.AvailableAmount)
}

func TestPipeline_InsufficientConfirmationsHaltsBeforeMatching(t *testing.T) {
	h := newHarness(t, time.Minute, 0)
	h.payments.pay(proof(3), "1000", 3)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-3conf", From: "buyer", To: model.TreasuryAccount, Amount: 1000,
		PaymentProof: proof(3), Chain: "ethereum",
	}))

	r := h.awaitReceipt(t, "evt-3conf")
	assert.Equal(t, model.ReceiptFailed, r.Status)
	assert.Equal(t, "insufficient_confirmations", string(r.Error.Reason))
	assert.Equal(t, model.StagePaymentPending, r.Error.Stage)
	require.NotNil(t, r.Payment)
	assert.Equal(t, 3, r.Payment.ConfirmationCount)

	_, err := h.store.GetOrder(context.Background(), "evt-3conf")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPipeline_ReservationExpiryRestoresInventory(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond, 0)
	h.seedListing(t, "lst-exp", 5000, false)
	h.payments.pay(proof(4), "1500", 2) // never reaches 12

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-expire", From: "buyer", To: model.LiquidityPoolAccount, Amount: 1000,
		ListingID: "lst-exp", PaymentProof: proof(4), Chain: "ethereum",
	}))

	r := h.awaitReceipt(t, "evt-expire")
	assert.Equal(t, model.ReceiptFailed, r.Status)
	assert.Equal(t, model.ReasonReservationExpired, r.Error.Reason)

	hold, err := h.arena.GetReservation(context.Background(), "evt-expire")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationExpired, hold.Status)

	l, err := h.arena.GetListing(context.Background(), "lst-exp")
	require.NoError(t, err)
	assert.EqualValues(t, 5000, l.AvailableAmount)
	assert.Zero(t, h.accounting.submits.Load(), "no ledger posting")
	assert.Greater(t, h.payments.hits.Load(), int32(1), "payment is polled while the lease holds")
}

func TestPipeline_CustodianTimeoutsThenSuccess(t *testing.T) {
	h := newHarness(t, time.Minute, 2)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-peer", From: "alice", To: "bob", Amount: 25,
	}))

	r := h.awaitReceipt(t, "evt-peer")
	assert.Equal(t, model.ReceiptCompleted, r.Status)
	require.Len(t, r.Transfers, 1)
	assert.Equal(t, 1, h.custodian.movements())

	order, err := h.store.GetOrder(context.Background(), "evt-peer")
	require.NoError(t, err)
	rec, err := h.store.GetTransfer(context.Background(), model.IdempotencyKey("evt-peer", order.Legs[0].MatchID))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
}

func TestPipeline_PurchaseSettlesAndRealizes(t *testing.T) {
	h := newHarness(t, time.Minute, 0)
	h.seedListing(t, "lst-1", 5000, false)
	h.payments.pay(proof(5), "1500", 14)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-buy", From: "buyer", To: model.LiquidityPoolAccount, Amount: 1000,
		ListingID: "lst-1", PaymentProof: proof(5), Chain: "ethereum",
	}))

	r := h.awaitReceipt(t, "evt-buy")
	require.Equal(t, model.ReceiptCompleted, r.Status, "error: %+v", r.Error)
	assert.Len(t, r.Postings, 2)
	assert.True(t, r.Fees.PlatformFee.Equal(decimal.NewFromInt(15)))

	hold, err := h.arena.GetReservation(context.Background(), "evt-buy")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, hold.Status)
}

func TestPipeline_InactiveAccountFails(t *testing.T) {
	h := newHarness(t, time.Minute, 0)

	require.NoError(t, h.publisher.Admit(context.Background(), model.Request{
		EventID: "evt-inactive", From: "mallory", To: "bob", Amount: 5,
	}))

	r := h.awaitReceipt(t, "evt-inactive")
	assert.Equal(t, model.ReasonAccountInactive, r.Error.Reason)
	assert.Equal(t, model.IntentPeerTransfer, r.Intent)
}

func TestPipeline_RedeliveryYieldsOneReceipt(t *testing.T) {
	h := newHarness(t, time.Minute, 0)
	h.payments.pay(proof(6), "40", 20)
	req := model.Request{
		EventID: "evt-dup", From: "buyer", To: model.TreasuryAccount, Amount: 40,
		PaymentProof: proof(6), Chain: "ethereum",
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.publisher.Admit(context.Background(), req))
	}

	first := h.awaitReceipt(t, "evt-dup")
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.receipts["evt-dup"]) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	for _, r := range h.receipts["evt-dup"] {
		assert.True(t, first.ComposedAt.Equal(r.ComposedAt), "every delivery reports the same receipt")
	}
	h.mu.Unlock()
	assert.Equal(t, int32(1), h.accounting.submits.Load())
	assert.Equal(t, 1, h.custodian.movements())
}
