package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/pkg/model"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("not found")

// HybridStore keeps pipeline state in Redis and mirrors the immutable
// artifacts (receipts, postings, transfers) into Postgres when configured.
type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
	ttl    time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Options tune retention of Redis state.
type Options struct {
	RedisPass string
	// StateTTL bounds how long per-event working state lives in Redis.
	// Receipts are never expired.
	StateTTL time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store.
func NewHybrid(redisAddr string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger, opts ...Options) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		DB:       redisDB,
		Password: o.RedisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return New(rdb, pgPool, logger, o.StateTTL), nil
}

// New wraps existing clients. pg may be nil.
func New(rdb *redis.Client, pg *pgxpool.Pool, logger *zap.Logger, stateTTL time.Duration) *HybridStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stateTTL <= 0 {
		stateTTL = 7 * 24 * time.Hour
	}
	return &HybridStore{redis: rdb, PG: pg, logger: logger, ttl: stateTTL}
}

func receiptKey(eventID string) string   { return "settlement:receipt:" + eventID }
func orderKey(eventID string) string     { return "settlement:order:" + eventID }
func postingKey(postingID string) string { return "settlement:posting:" + postingID }
func transferKey(key string) string      { return "settlement:transfer:" + key }
func stagesKey(eventID string) string    { return "settlement:stages:" + eventID }
func markerKey(name string) string       { return "settlement:marker:" + name }

// ─── generic JSON helpers ───────────────────────────────────────────────────

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// setJSONNX writes value only if key is absent and reports whether it did.
func (s *HybridStore) setJSONNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return s.redis.SetNX(ctx, key, data, ttl).Result()
}

// ─── receipts ───────────────────────────────────────────────────────────────

// CreateReceipt persists r only if no receipt exists for its event.
// The returned receipt is whichever one is stored.
func (s *HybridStore) CreateReceipt(ctx context.Context, r *model.Receipt) (*model.Receipt, bool, error) {
	created, err := s.setJSONNX(ctx, receiptKey(r.EventID), r, 0)
	if err != nil {
		return nil, false, fmt.Errorf("create receipt: %w", err)
	}
	if !created {
		existing, err := s.GetReceipt(ctx, r.EventID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err := s.mirrorReceipt(ctx, r); err != nil {
		return r, true, err
	}
	return r, true, nil
}

func (s *HybridStore) mirrorReceipt(ctx context.Context, r *model.Receipt) error {
	if s.PG == nil {
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var reason string
	if r.Error != nil {
		reason = string(r.Error.Reason)
	}
	_, err = s.PG.Exec(ctx, `
		INSERT INTO settlement.receipts (event_id, intent, status, reason, body, composed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING;
	`, r.EventID, string(r.Intent), string(r.Status), reason, body, r.ComposedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_receipt_failed", zap.String("event_id", r.EventID), zap.Error(err))
	}
	return err
}

// GetReceipt reads from Redis, falling back to Postgres.
func (s *HybridStore) GetReceipt(ctx context.Context, eventID string) (*model.Receipt, error) {
	var r model.Receipt
	err := s.GetJSON(ctx, receiptKey(eventID), &r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, ErrNotFound) || s.PG == nil {
		return nil, err
	}

	var body []byte
	err = s.PG.QueryRow(ctx, `SELECT body FROM settlement.receipts WHERE event_id = $1`, eventID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetReceipt scan failed: %w", err)
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ─── settlement orders ──────────────────────────────────────────────────────

// SaveOrder records the match outcome for an event. The first write wins and
// is returned to every later caller.
func (s *HybridStore) SaveOrder(ctx context.Context, o *model.SettlementOrder) (*model.SettlementOrder, error) {
	created, err := s.setJSONNX(ctx, orderKey(o.Request.EventID), o, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	if created {
		return o, nil
	}
	return s.GetOrder(ctx, o.Request.EventID)
}

func (s *HybridStore) GetOrder(ctx context.Context, eventID string) (*model.SettlementOrder, error) {
	var o model.SettlementOrder
	if err := s.GetJSON(ctx, orderKey(eventID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ─── journal postings ───────────────────────────────────────────────────────

// SavePosting stores an accepted posting; re-saving the same id is a no-op.
func (s *HybridStore) SavePosting(ctx context.Context, p *model.JournalPosting) (bool, error) {
	created, err := s.setJSONNX(ctx, postingKey(p.PostingID), p, s.ttl)
	if err != nil {
		return false, fmt.Errorf("save posting: %w", err)
	}
	if created && s.PG != nil {
		lines, _ := json.Marshal(p.Lines)
		_, err = s.PG.Exec(ctx, `
			INSERT INTO settlement.journal_postings (posting_id, event_id, match_id, reverses, description, lines, posted_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			ON CONFLICT (posting_id) DO NOTHING;
		`, p.PostingID, p.EventID, p.MatchID, p.Reverses, p.Description, lines, p.PostedAt)
		if err != nil {
			s.logger.Error("store.pg.insert_posting_failed", zap.String("posting_id", p.PostingID), zap.Error(err))
			return created, err
		}
	}
	return created, nil
}

func (s *HybridStore) GetPosting(ctx context.Context, postingID string) (*model.JournalPosting, error) {
	var p model.JournalPosting
	if err := s.GetJSON(ctx, postingKey(postingID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ─── transfer records ───────────────────────────────────────────────────────

// SaveTransfer stores a transfer record once per idempotency key.
func (s *HybridStore) SaveTransfer(ctx context.Context, rec *model.TransferRecord) (bool, error) {
	created, err := s.setJSONNX(ctx, transferKey(rec.IdempotencyKey), rec, s.ttl)
	if err != nil {
		return false, fmt.Errorf("save transfer: %w", err)
	}
	if created && s.PG != nil {
		_, err = s.PG.Exec(ctx, `
			INSERT INTO settlement.transfers (idempotency_key, event_id, match_id, operation, asset_receipt_id, from_account, to_account, amount, delivered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (idempotency_key) DO NOTHING;
		`, rec.IdempotencyKey, rec.EventID, rec.MatchID, string(rec.Operation), rec.AssetReceiptID,
			rec.From, rec.To, rec.Amount, rec.DeliveredAt)
		if err != nil {
			s.logger.Error("store.pg.insert_transfer_failed", zap.String("key", rec.IdempotencyKey), zap.Error(err))
			return created, err
		}
	}
	return created, nil
}

func (s *HybridStore) GetTransfer(ctx context.Context, idempotencyKey string) (*model.TransferRecord, error) {
	var rec model.TransferRecord
	if err := s.GetJSON(ctx, transferKey(idempotencyKey), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ─── stage timestamps ───────────────────────────────────────────────────────

// RecordStage notes the first time an event reached stage.
func (s *HybridStore) RecordStage(ctx context.Context, eventID string, stage model.Stage, at time.Time) error {
	key := stagesKey(eventID)
	pipe := s.redis.TxPipeline()
	pipe.HSetNX(ctx, key, string(stage), at.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Stages returns every recorded stage timestamp for an event.
func (s *HybridStore) Stages(ctx context.Context, eventID string) (map[model.Stage]time.Time, error) {
	raw, err := s.redis.HGetAll(ctx, stagesKey(eventID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Stage]time.Time, len(raw))
	for k, v := range raw {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		out[model.Stage(k)] = t
	}
	return out, nil
}

// ─── markers ────────────────────────────────────────────────────────────────

// Mark sets a one-shot marker and reports whether this call set it.
func (s *HybridStore) Mark(ctx context.Context, name string) (bool, error) {
	return s.redis.SetNX(ctx, markerKey(name), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
}

// Marked reports whether the marker exists.
func (s *HybridStore) Marked(ctx context.Context, name string) (bool, error) {
	n, err := s.redis.Exists(ctx, markerKey(name)).Result()
	return n > 0, err
}

// ─── lifecycle ──────────────────────────────────────────────────────────────

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
