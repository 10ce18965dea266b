package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/pkg/model"
)

const maxCASAttempts = 8

const listingColumns = `listing_id, seller_id, event_id, total_amount, available_amount, price_per_unit::text,
	proceeds_address, chain, allow_partial, status, created_at, expires_at, version`

const reservationColumns = `match_id, event_id, listing_id, buyer_id, seller_id, amount, status, created_at, expires_at`

// PGArena stores listings in Postgres. The available-amount decrement is a
// conditional UPDATE guarded by the row version.
type PGArena struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPGArena(pool *pgxpool.Pool, logger *zap.Logger) *PGArena {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGArena{pool: pool, logger: logger}
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price, status string
	err := row.Scan(&l.ListingID, &l.SellerID, &l.EventID, &l.TotalAmount, &l.AvailableAmount, &price,
		&l.ProceedsAddress, &l.Chain, &l.AllowPartial, &status, &l.CreatedAt, &l.ExpiresAt, &l.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.PricePerUnit, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	l.Status = model.ListingStatus(status)
	return &l, nil
}

func scanReservation(row pgx.Row) (*model.Fill, error) {
	var f model.Fill
	var status string
	err := row.Scan(&f.MatchID, &f.EventID, &f.ListingID, &f.BuyerID, &f.SellerID, &f.Amount, &status, &f.CreatedAt, &f.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Status = model.ReservationStatus(status)
	return &f, nil
}

func (a *PGArena) CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error) {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO settlement.listings (listing_id, seller_id, event_id, total_amount, available_amount, price_per_unit,
			proceeds_address, chain, allow_partial, status, created_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, 0)
		ON CONFLICT (event_id) DO NOTHING;
	`, l.ListingID, l.SellerID, l.EventID, l.TotalAmount, l.AvailableAmount, l.PricePerUnit.String(),
		l.ProceedsAddress, l.Chain, l.AllowPartial, string(l.Status), l.CreatedAt, l.ExpiresAt)
	if err != nil {
		a.logger.Error("matching.pg.insert_listing_failed", zap.String("listing_id", l.ListingID), zap.Error(err))
		return nil, err
	}
	return scanListing(a.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM settlement.listings WHERE event_id = $1`, l.EventID))
}

func (a *PGArena) GetListing(ctx context.Context, listingID string) (*model.Listing, error) {
	return scanListing(a.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM settlement.listings WHERE listing_id = $1`, listingID))
}

func (a *PGArena) ListActive(ctx context.Context, now time.Time) ([]*model.Listing, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT `+listingColumns+`
		FROM settlement.listings
		WHERE status IN ('ACTIVE', 'PARTIALLY_FILLED') AND expires_at > $1 AND available_amount > 0
		ORDER BY listing_id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *PGArena) CancelListing(ctx context.Context, listingID string) (*model.Listing, error) {
	return scanListing(a.pool.QueryRow(ctx, `
		UPDATE settlement.listings
		SET status = 'CANCELLED', version = version + CASE WHEN status = 'CANCELLED' THEN 0 ELSE 1 END
		WHERE listing_id = $1
		RETURNING `+listingColumns, listingID))
}

func (a *PGArena) GetReservation(ctx context.Context, eventID string) (*model.Fill, error) {
	return scanReservation(a.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM settlement.reservations WHERE event_id = $1`, eventID))
}

// Reserve runs a read-check-CAS loop: the listing row is read without a
// lock and the decrement only applies if the version is unchanged.
func (a *PGArena) Reserve(ctx context.Context, req ReserveRequest) (*model.Fill, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		f, retry, err := a.tryReserve(ctx, req)
		if err != nil || !retry {
			return f, err
		}
		a.logger.Debug("matching.pg.cas_conflict",
			zap.String("listing_id", req.ListingID),
			zap.Int("attempt", attempt))
	}
	return nil, ErrConflict
}

func (a *PGArena) tryReserve(ctx context.Context, req ReserveRequest) (*model.Fill, bool, error) {
	if existing, err := a.GetReservation(ctx, req.EventID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, false, err
	}

	l, err := a.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, false, err
	}
	if req.BuyerID == l.SellerID {
		return nil, false, ErrSelfTrade
	}
	if err := checkTradable(l, req.Now); err != nil {
		return nil, false, err
	}
	amount, err := fillAmount(l, req.Amount)
	if err != nil {
		return nil, false, err
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE settlement.listings
		SET available_amount = available_amount - $2, status = $3, version = version + 1
		WHERE listing_id = $1 AND version = $4 AND available_amount >= $2
	`, l.ListingID, amount, string(l.StatusFor(l.AvailableAmount-amount)), l.Version)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, true, nil
	}

	f := &model.Fill{
		MatchID:   req.MatchID,
		EventID:   req.EventID,
		BuyerID:   req.BuyerID,
		SellerID:  l.SellerID,
		Amount:    amount,
		ListingID: l.ListingID,
		Status:    model.ReservationReserved,
		CreatedAt: req.Now,
		ExpiresAt: req.Now.Add(req.TTL),
	}
	tag, err = tx.Exec(ctx, `
		INSERT INTO settlement.reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`, f.MatchID, f.EventID, f.ListingID, f.BuyerID, f.SellerID, f.Amount, string(f.Status), f.CreatedAt, f.ExpiresAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		// a concurrent delivery of the same event won; drop our decrement
		_ = tx.Rollback(ctx)
		existing, err := a.GetReservation(ctx, req.EventID)
		return existing, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return f, false, nil
}

func (a *PGArena) Transition(ctx context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, error) {
	var from []string
	for s, next := range forward {
		for _, n := range next {
			if n == to {
				from = append(from, string(s))
			}
		}
	}
	from = append(from, string(to))

	f, err := scanReservation(a.pool.QueryRow(ctx, `
		UPDATE settlement.reservations
		SET status = $2
		WHERE match_id = $1 AND status = ANY($3) AND ($2 <> 'CONFIRMED' OR status = 'CONFIRMED' OR expires_at >= $4)
		RETURNING `+reservationColumns, matchID, string(to), from, now))
	if !errors.Is(err, ErrReservationNotFound) {
		return f, err
	}

	current, err := a.byMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if to == model.ReservationConfirmed && current.LeaseExpired(now) {
		return nil, ErrReservationExpired
	}
	return nil, ErrInvalidTransition
}

func (a *PGArena) byMatch(ctx context.Context, matchID string) (*model.Fill, error) {
	return scanReservation(a.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM settlement.reservations WHERE match_id = $1`, matchID))
}

func (a *PGArena) Release(ctx context.Context, matchID string, to model.ReservationStatus, now time.Time) (*model.Fill, bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	f, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE settlement.reservations
		SET status = $2
		WHERE match_id = $1 AND status IN ('RESERVED', 'PAYMENT_PENDING', 'CONFIRMED')
			AND ($2 <> 'EXPIRED' OR (status IN ('RESERVED', 'PAYMENT_PENDING') AND expires_at < $3))
		RETURNING `+reservationColumns, matchID, string(to), now))
	if errors.Is(err, ErrReservationNotFound) {
		_ = tx.Rollback(ctx)
		current, err := a.byMatch(ctx, matchID)
		return current, false, err
	}
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE settlement.listings
		SET available_amount = available_amount + $2,
			status = CASE
				WHEN status IN ('ACTIVE', 'PARTIALLY_FILLED', 'FILLED') THEN
					CASE WHEN available_amount + $2 >= total_amount THEN 'ACTIVE' ELSE 'PARTIALLY_FILLED' END
				ELSE status
			END,
			version = version + 1
		WHERE listing_id = $1
	`, f.ListingID, f.Amount)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (a *PGArena) DueReservations(ctx context.Context, now time.Time, limit int) ([]*model.Fill, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := a.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM settlement.reservations
		WHERE status IN ('RESERVED', 'PAYMENT_PENDING') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Fill
	for rows.Next() {
		f, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
