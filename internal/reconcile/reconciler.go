// Package reconcile closes out events: it confirms the custodian's view
// matches what was settled and composes the one terminal receipt.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/ledger"
	"github.com/Checker-Finance/settlement/internal/matching"
	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// Store is the persistence the reconciler reads and writes.
type Store interface {
	GetOrder(ctx context.Context, eventID string) (*model.SettlementOrder, error)
	GetPosting(ctx context.Context, postingID string) (*model.JournalPosting, error)
	GetTransfer(ctx context.Context, idempotencyKey string) (*model.TransferRecord, error)
	GetReceipt(ctx context.Context, eventID string) (*model.Receipt, error)
	CreateReceipt(ctx context.Context, r *model.Receipt) (*model.Receipt, bool, error)
	RecordStage(ctx context.Context, eventID string, stage model.Stage, at time.Time) error
	Stages(ctx context.Context, eventID string) (map[model.Stage]time.Time, error)
}

// Oracle reports current holdings per account.
type Oracle interface {
	RevealOwnership(ctx context.Context, accountID string) (*model.Ownership, error)
}

// Matcher releases inventory held for a failed event.
type Matcher interface {
	Reservation(ctx context.Context, eventID string) (*model.Fill, error)
	ReleaseReservation(ctx context.Context, f *model.Fill, to model.ReservationStatus) (bool, error)
	CancelListing(ctx context.Context, listingID string) error
}

type Reconciler struct {
	logger  *zap.Logger
	store   Store
	poster  *ledger.Poster
	oracle  Oracle
	policy  *resilience.Policy
	matcher Matcher
	now     func() time.Time
}

// New builds a Reconciler. policy bounds oracle queries.
func New(logger *zap.Logger, st Store, poster *ledger.Poster, oracle Oracle, policy *resilience.Policy, matcher Matcher) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger, store: st, poster: poster, oracle: oracle, policy: policy, matcher: matcher, now: time.Now}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// settled is one leg with both of its artifacts present.
type settled struct {
	leg      model.Leg
	posting  *model.JournalPosting
	transfer *model.TransferRecord
}

// TryComplete composes the COMPLETED receipt once every leg of the event has
// a posting and a transfer. It returns (nil, false, nil) while the event is
// still in flight.
func (r *Reconciler) TryComplete(ctx context.Context, eventID string) (*model.Receipt, bool, error) {
	if existing, err := r.store.GetReceipt(ctx, eventID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, transient(err)
	}

	order, err := r.store.GetOrder(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, transient(err)
	}

	legs := make([]settled, 0, len(order.Legs))
	for _, leg := range order.Legs {
		key := model.IdempotencyKey(eventID, leg.MatchID)
		p, err := r.store.GetPosting(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, transient(err)
		}
		t, err := r.store.GetTransfer(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, transient(err)
		}
		legs = append(legs, settled{leg: leg, posting: p, transfer: t})
	}

	for _, s := range legs {
		if err := r.checkOwnership(ctx, s.transfer); err != nil {
			return nil, false, err
		}
	}

	now := r.now().UTC()
	postings := make([]*model.JournalPosting, 0, len(legs)*2)
	receipt := &model.Receipt{
		EventID:    eventID,
		Intent:     order.Intent,
		Status:     model.ReceiptCompleted,
		Fills:      order.Fills,
		Payment:    order.Payment,
		Fees:       order.Fees,
		ComposedAt: now,
	}
	if order.Listing != nil {
		receipt.ListingID = order.Listing.ListingID
	}
	for _, s := range legs {
		postings = append(postings, s.posting)
		receipt.Amount += s.leg.Amount
		receipt.Postings = append(receipt.Postings, s.posting.PostingID)
		receipt.Transfers = append(receipt.Transfers, s.transfer.AssetReceiptID)

		if rp := ledger.RealizationPosting(order, s.leg, now); rp != nil {
			posted, err := r.poster.Post(ctx, rp)
			if err != nil {
				return nil, false, err
			}
			postings = append(postings, posted)
			receipt.Postings = append(receipt.Postings, posted.PostingID)
		}
	}
	receipt.BalanceDeltas = ledger.Deltas(postings...)

	if err := r.store.RecordStage(ctx, eventID, model.StageReconciled, now); err != nil {
		r.logger.Warn("reconcile.record_stage_failed", zap.String("event_id", eventID), zap.Error(err))
	}
	receipt.Timestamps = r.timestamps(ctx, eventID)
	receipt.Timestamps[model.StageReconciled] = now

	out, created, err := r.store.CreateReceipt(ctx, receipt)
	if err != nil {
		return nil, false, transient(err)
	}
	if created {
		metrics.IncReceipt(string(out.Status), "")
		r.logger.Info("reconcile.completed",
			zap.String("event_id", eventID),
			zap.String("intent", string(out.Intent)),
			zap.Int64("amount", out.Amount),
			zap.Int("postings", len(out.Postings)))
	}
	return out, created, nil
}

// checkOwnership confirms the transfer's destination holds the receipt.
func (r *Reconciler) checkOwnership(ctx context.Context, rec *model.TransferRecord) error {
	ownership, err := resilience.Call(ctx, r.policy, func(ctx context.Context) (*model.Ownership, error) {
		return r.oracle.RevealOwnership(ctx, rec.To)
	})
	if err != nil {
		r.logger.Warn("reconcile.oracle_unavailable",
			zap.String("event_id", rec.EventID),
			zap.String("account", rec.To),
			zap.Error(err))
		return model.Permanent(model.StageReconciled, model.ReasonOracleUnavailable, err)
	}
	h, ok := ownership.Find(rec.AssetReceiptID)
	if !ok || h.Amount != rec.Amount {
		r.logger.Error("reconcile.oracle_mismatch",
			zap.String("event_id", rec.EventID),
			zap.String("asset_receipt_id", rec.AssetReceiptID),
			zap.Int64("expected", rec.Amount),
			zap.Int64("observed", h.Amount),
			zap.Bool("found", ok))
		return model.Permanent(model.StageReconciled, model.ReasonOracleMismatch,
			fmt.Errorf("holding %s: expected %d, found=%t amount=%d", rec.AssetReceiptID, rec.Amount, ok, h.Amount))
	}
	return nil
}

// Fail compensates whatever the event had already done and composes its
// FAILED receipt. A receipt already on file is returned untouched.
func (r *Reconciler) Fail(ctx context.Context, f model.StageFailure) (*model.Receipt, bool, error) {
	if existing, err := r.store.GetReceipt(ctx, f.EventID); err == nil {
		r.logger.Debug("reconcile.failure_after_terminal", zap.String("event_id", f.EventID))
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, transient(err)
	}

	order, err := r.store.GetOrder(ctx, f.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, transient(err)
	}

	if err := r.compensate(ctx, f, order); err != nil {
		return nil, false, err
	}

	now := r.now().UTC()
	receipt := &model.Receipt{
		EventID:    f.EventID,
		Intent:     f.Intent,
		Status:     model.ReceiptFailed,
		Payment:    f.Payment,
		Error:      &model.ReceiptError{Stage: f.Stage, Reason: f.Reason, Message: f.Message},
		ComposedAt: now,
	}
	if f.Request != nil {
		receipt.Amount = f.Request.Amount
		receipt.ListingID = f.Request.ListingID
	}
	if order != nil {
		receipt.Intent = order.Intent
		receipt.Fills = order.Fills
		receipt.Amount = order.Request.Amount
		if receipt.Payment == nil {
			receipt.Payment = order.Payment
		}
		if order.Listing != nil {
			receipt.ListingID = order.Listing.ListingID
		}
	}

	if err := r.store.RecordStage(ctx, f.EventID, model.StageFailed, now); err != nil {
		r.logger.Warn("reconcile.record_stage_failed", zap.String("event_id", f.EventID), zap.Error(err))
	}
	receipt.Timestamps = r.timestamps(ctx, f.EventID)
	receipt.Timestamps[model.StageFailed] = now

	out, created, err := r.store.CreateReceipt(ctx, receipt)
	if err != nil {
		return nil, false, transient(err)
	}
	if created {
		metrics.IncReceipt(string(out.Status), string(f.Reason))
		r.logger.Info("reconcile.failed",
			zap.String("event_id", f.EventID),
			zap.String("stage", string(f.Stage)),
			zap.String("reason", string(f.Reason)),
			zap.String("message", f.Message))
	}
	return out, created, nil
}

// compensate releases held inventory and reverses accepted postings.
// Legs the custodian already moved keep their inventory decrement and their
// posting; they are left for manual recovery.
func (r *Reconciler) compensate(ctx context.Context, f model.StageFailure, order *model.SettlementOrder) error {
	delivered, err := r.deliveredLegs(ctx, f.EventID, order)
	if err != nil {
		return err
	}
	for _, matchID := range delivered {
		r.logger.Error("reconcile.transfer_needs_manual_reversal",
			zap.String("event_id", f.EventID),
			zap.String("match_id", matchID),
			zap.String("reason", string(f.Reason)))
	}

	if r.matcher != nil && len(delivered) == 0 {
		hold, err := r.matcher.Reservation(ctx, f.EventID)
		switch {
		case err == nil && hold.Status.Holding():
			to := model.ReservationReleased
			if f.Reason == model.ReasonReservationExpired && hold.Status != model.ReservationConfirmed {
				to = model.ReservationExpired
			}
			released, err := r.matcher.ReleaseReservation(ctx, hold, to)
			if err != nil {
				return transient(err)
			}
			if !released && to == model.ReservationExpired {
				// lease not yet elapsed on the arena's clock; the event failed regardless
				if _, err := r.matcher.ReleaseReservation(ctx, hold, model.ReservationReleased); err != nil {
					return transient(err)
				}
			}
		case err != nil && !isNotFound(err):
			return transient(err)
		}

		if order != nil && order.Intent == model.IntentMarketSell && order.Listing != nil {
			if err := r.matcher.CancelListing(ctx, order.Listing.ListingID); err != nil && !isNotFound(err) {
				return transient(err)
			}
		}
	}

	if order == nil {
		return nil
	}
	for _, leg := range order.Legs {
		if slices.Contains(delivered, leg.MatchID) {
			continue
		}
		key := model.IdempotencyKey(f.EventID, leg.MatchID)
		p, err := r.store.GetPosting(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return transient(err)
		}
		if _, err := r.poster.Reverse(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// deliveredLegs returns the match IDs of legs with a recorded transfer.
func (r *Reconciler) deliveredLegs(ctx context.Context, eventID string, order *model.SettlementOrder) ([]string, error) {
	if order == nil {
		return nil, nil
	}
	var out []string
	for _, leg := range order.Legs {
		_, err := r.store.GetTransfer(ctx, model.IdempotencyKey(eventID, leg.MatchID))
		switch {
		case err == nil:
			out = append(out, leg.MatchID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, transient(err)
		}
	}
	return out, nil
}

func (r *Reconciler) timestamps(ctx context.Context, eventID string) map[model.Stage]time.Time {
	ts, err := r.store.Stages(ctx, eventID)
	if err != nil || ts == nil {
		return make(map[model.Stage]time.Time)
	}
	return ts
}

func transient(err error) error {
	return model.Transient(model.StageReconciled, model.ReasonStoreUnavailable, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, matching.ErrReservationNotFound) || errors.Is(err, matching.ErrListingNotFound)
}
