package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS settlement;

CREATE TABLE IF NOT EXISTS settlement.receipts (
	event_id    TEXT PRIMARY KEY,
	intent      TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	body        JSONB NOT NULL,
	composed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement.journal_postings (
	posting_id  TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	match_id    TEXT NOT NULL,
	reverses    TEXT,
	description TEXT NOT NULL,
	lines       JSONB NOT NULL,
	posted_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_postings_event_idx ON settlement.journal_postings (event_id);

CREATE TABLE IF NOT EXISTS settlement.transfers (
	idempotency_key  TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	match_id         TEXT NOT NULL,
	operation        TEXT NOT NULL,
	asset_receipt_id TEXT NOT NULL,
	from_account     TEXT NOT NULL,
	to_account       TEXT NOT NULL,
	amount           BIGINT NOT NULL CHECK (amount > 0),
	delivered_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement.listings (
	listing_id       TEXT PRIMARY KEY,
	seller_id        TEXT NOT NULL,
	event_id         TEXT NOT NULL UNIQUE,
	total_amount     BIGINT NOT NULL CHECK (total_amount > 0),
	available_amount BIGINT NOT NULL CHECK (available_amount >= 0 AND available_amount <= total_amount),
	price_per_unit   NUMERIC NOT NULL,
	proceeds_address TEXT NOT NULL DEFAULT '',
	chain            TEXT NOT NULL DEFAULT '',
	allow_partial    BOOLEAN NOT NULL DEFAULT FALSE,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	version          BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settlement.reservations (
	match_id   TEXT PRIMARY KEY,
	event_id   TEXT NOT NULL UNIQUE,
	listing_id TEXT NOT NULL REFERENCES settlement.listings (listing_id),
	buyer_id   TEXT NOT NULL,
	seller_id  TEXT NOT NULL,
	amount     BIGINT NOT NULL CHECK (amount > 0),
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_due_idx ON settlement.reservations (expires_at)
	WHERE status IN ('RESERVED', 'PAYMENT_PENDING');
`

// EnsureSchema creates the settlement tables when Postgres is configured.
func (s *HybridStore) EnsureSchema(ctx context.Context) error {
	if s.PG == nil {
		return nil
	}
	if _, err := s.PG.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
