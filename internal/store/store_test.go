package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/pkg/model"
)

func newTestStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, nil, zap.NewNop(), time.Hour), mr
}

// --- HealthCheck / Close ---

func TestHealthCheck_Success(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	require.NoError(t, st.HealthCheck(context.Background()))
}

func TestHealthCheck_RedisNil(t *testing.T) {
	st := &HybridStore{}
	err := st.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis not initialized")
}

func TestHealthCheck_RedisDown(t *testing.T) {
	st, mr := newTestStore(t)
	mr.Close()

	err := st.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestClose_NilComponents(t *testing.T) {
	require.NoError(t, (&HybridStore{}).Close())
}

func TestNewHybrid_InvalidRedis(t *testing.T) {
	_, err := NewHybrid("localhost:1", 0, "", PGPoolConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestNewHybrid_InvalidPGURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	_, err = NewHybrid(mr.Addr(), 0, "not-a-valid-pg-url", PGPoolConfig{}, nil)
	assert.Error(t, err)
}

func TestEnsureSchema_NoPG(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	require.NoError(t, st.EnsureSchema(context.Background()))
}

// --- JSON helpers ---

func TestGetJSON_KeyNotFound(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()

	var dest map[string]string
	assert.ErrorIs(t, st.GetJSON(context.Background(), "nonexistent:key", &dest), ErrNotFound)
}

func TestGetJSON_InvalidJSON(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, mr.Set("bad", "not-json"))
	var dest map[string]string
	assert.Error(t, st.GetJSON(context.Background(), "bad", &dest))
}

// --- Receipts ---

func TestCreateReceipt_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	first := &model.Receipt{EventID: "evt-1", Status: model.ReceiptCompleted, Amount: 1000}
	got, created, err := st.CreateReceipt(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ReceiptCompleted, got.Status)

	second := &model.Receipt{EventID: "evt-1", Status: model.ReceiptFailed}
	got, created, err = st.CreateReceipt(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.ReceiptCompleted, got.Status, "existing receipt returned")

	stored, err := st.GetReceipt(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.Amount)
}

func TestGetReceipt_Missing(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()
	_, err := st.GetReceipt(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Orders ---

func TestSaveOrder_IdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	o1 := &model.SettlementOrder{Request: model.Request{EventID: "evt-2"}, Intent: model.IntentPeerTransfer,
		Legs: []model.Leg{{MatchID: "m-1", Amount: 5}}}
	o2 := &model.SettlementOrder{Request: model.Request{EventID: "evt-2"}, Intent: model.IntentPeerTransfer,
		Legs: []model.Leg{{MatchID: "m-2", Amount: 5}}}

	got, err := st.SaveOrder(ctx, o1)
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.Legs[0].MatchID)

	got, err = st.SaveOrder(ctx, o2)
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.Legs[0].MatchID, "first order wins")
}

// --- Postings / transfers ---

func TestSavePosting_Once(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	p := &model.JournalPosting{PostingID: "evt-3:m-1", EventID: "evt-3", MatchID: "m-1",
		Lines: []model.JournalLine{
			{Account: "a", Currency: "ASSET", Amount: decimal.NewFromInt(1), Side: model.Debit},
			{Account: "b", Currency: "ASSET", Amount: decimal.NewFromInt(1), Side: model.Credit},
		}}

	created, err := st.SavePosting(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.SavePosting(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := st.GetPosting(ctx, "evt-3:m-1")
	require.NoError(t, err)
	require.NoError(t, got.Validate())
}

func TestSaveTransfer_Once(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	rec := &model.TransferRecord{IdempotencyKey: "evt-4:m-1", AssetReceiptID: "r-1", Amount: 10}
	created, err := st.SaveTransfer(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *rec
	dup.AssetReceiptID = "r-2"
	created, err = st.SaveTransfer(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := st.GetTransfer(ctx, "evt-4:m-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.AssetReceiptID)
}

// --- Stages / markers ---

func TestRecordStage_FirstTimestampKept(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordStage(ctx, "evt-5", model.StageReceived, t0))
	require.NoError(t, st.RecordStage(ctx, "evt-5", model.StageReceived, t0.Add(time.Minute)))
	require.NoError(t, st.RecordStage(ctx, "evt-5", model.StageMatched, t0.Add(2*time.Second)))

	stages, err := st.Stages(ctx, "evt-5")
	require.NoError(t, err)
	assert.True(t, stages[model.StageReceived].Equal(t0))
	assert.True(t, stages[model.StageMatched].Equal(t0.Add(2*time.Second)))
}

func TestMark_OneShot(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	ok, err := st.Mark(ctx, "reversal:evt-6")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Mark(ctx, "reversal:evt-6")
	require.NoError(t, err)
	assert.False(t, ok)

	marked, err := st.Marked(ctx, "reversal:evt-6")
	require.NoError(t, err)
	assert.True(t, marked)
}
