package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/classifier"
	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// idNamespace seeds deterministic match and listing ids so a re-delivered
// request always produces the same identifiers.
var idNamespace = uuid.MustParse("6f1d7c52-8a43-4c1e-9b0e-3d2f5a7e9c11")

func deterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}

// AnyListing as a request's listing id asks the engine to pick the best
// eligible listing itself.
const AnyListing = "*"

// Config holds matching parameters.
type Config struct {
	ReservationTTL    time.Duration
	ListingTTL        time.Duration
	MinListingAmount  int64
	PlatformFeeBps    int
	TreasuryUnitPrice decimal.Decimal
}

// Result is the outcome of matching one request.
type Result struct {
	Intent      model.Intent
	Fills       []model.Fill
	Legs        []model.Leg
	Listing     *model.Listing
	Fees        model.FeeBreakdown
	Reservation *model.Fill // set for market purchases until confirmed
}

// Order packages the result for the settlement stages.
func (r *Result) Order(req model.Request, payment *model.VerificationResult, at time.Time) *model.SettlementOrder {
	return &model.SettlementOrder{
		Request:   req,
		Intent:    r.Intent,
		Fills:     r.Fills,
		Legs:      r.Legs,
		Listing:   r.Listing,
		Payment:   payment,
		Fees:      r.Fees,
		MatchedAt: at,
	}
}

// Engine turns classified requests into fills and settlement legs.
type Engine struct {
	logger *zap.Logger
	arena  ListingStore
	cfg    Config
	now    func() time.Time
}

func NewEngine(logger *zap.Logger, arena ListingStore, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.ListingTTL <= 0 {
		cfg.ListingTTL = 48 * time.Hour
	}
	if cfg.MinListingAmount <= 0 {
		cfg.MinListingAmount = 1
	}
	if cfg.TreasuryUnitPrice.IsZero() {
		cfg.TreasuryUnitPrice = decimal.NewFromInt(1)
	}
	return &Engine{logger: logger, arena: arena, cfg: cfg, now: time.Now}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Arena exposes the listing store for read paths.
func (e *Engine) Arena() ListingStore { return e.arena }

// Match allocates inventory for req according to intent. It is safe to call
// again for the same event: every branch returns the original allocation.
func (e *Engine) Match(ctx context.Context, req model.Request, intent model.Intent) (*Result, error) {
	now := e.now().UTC()
	switch intent {
	case model.IntentTreasuryIssuance:
		return e.matchTreasury(req, now), nil
	case model.IntentMarketPurchase:
		return e.matchPurchase(ctx, req, now)
	case model.IntentMarketSell:
		return e.matchSell(ctx, req, now)
	case model.IntentPeerTransfer:
		return e.matchPeer(req, now), nil
	default:
		return nil, model.Permanent(model.StageMatched, model.ReasonInvalidRequest, fmt.Errorf("unknown intent %q", intent))
	}
}

func (e *Engine) matchTreasury(req model.Request, now time.Time) *Result {
	buyer := classifier.Buyer(req, model.IntentTreasuryIssuance)
	f := model.Fill{
		MatchID:   deterministicID(req.EventID, "treasury"),
		EventID:   req.EventID,
		BuyerID:   buyer,
		SellerID:  model.TreasuryAccount,
		Amount:    req.Amount,
		Status:    model.ReservationConfirmed,
		CreatedAt: now,
	}
	gross := e.cfg.TreasuryUnitPrice.Mul(decimal.NewFromInt(req.Amount))
	leg := model.Leg{
		MatchID:   f.MatchID,
		Kind:      model.LegFill,
		From:      model.TreasuryAccount,
		To:        buyer,
		Amount:    req.Amount,
		GrossCash: gross,
		FeeCash:   decimal.Zero,
		SellerID:  model.TreasuryAccount,
		BuyerID:   buyer,
	}
	return &Result{
		Intent: model.IntentTreasuryIssuance,
		Fills:  []model.Fill{f},
		Legs:   []model.Leg{leg},
		Fees:   Fees([]model.Leg{leg}, 0),
	}
}

func (e *Engine) matchPeer(req model.Request, now time.Time) *Result {
	f := model.Fill{
		MatchID:   deterministicID(req.EventID, "peer"),
		EventID:   req.EventID,
		BuyerID:   req.To,
		SellerID:  req.From,
		Amount:    req.Amount,
		Status:    model.ReservationConfirmed,
		CreatedAt: now,
	}
	leg := model.Leg{
		MatchID:   f.MatchID,
		Kind:      model.LegFill,
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		GrossCash: decimal.Zero,
		FeeCash:   decimal.Zero,
		SellerID:  req.From,
		BuyerID:   req.To,
	}
	return &Result{
		Intent: model.IntentPeerTransfer,
		Fills:  []model.Fill{f},
		Legs:   []model.Leg{leg},
		Fees:   Fees(nil, 0),
	}
}

func (e *Engine) matchSell(ctx context.Context, req model.Request, now time.Time) (*Result, error) {
	if req.Amount < e.cfg.MinListingAmount {
		return nil, model.Permanent(model.StageMatched, model.ReasonAmountBelowMinimum,
			fmt.Errorf("amount %d below minimum %d", req.Amount, e.cfg.MinListingAmount))
	}
	if !req.PricePerUnit.IsPositive() {
		return nil, model.Permanent(model.StageMatched, model.ReasonInvalidRequest, fmt.Errorf("price_per_unit must be positive"))
	}

	l, err := e.arena.CreateListing(ctx, &model.Listing{
		ListingID:       "lst_" + deterministicID(req.EventID, "listing"),
		SellerID:        req.From,
		EventID:         req.EventID,
		TotalAmount:     req.Amount,
		AvailableAmount: req.Amount,
		PricePerUnit:    req.PricePerUnit,
		ProceedsAddress: req.ProceedsAddress,
		Chain:           req.Chain,
		AllowPartial:    req.AllowPartial,
		Status:          model.ListingActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.cfg.ListingTTL),
	})
	if err != nil {
		return nil, model.Transient(model.StageMatched, model.ReasonMatchingUnavailable, fmt.Errorf("create listing: %w", err))
	}

	e.logger.Info("matching.listing_created",
		zap.String("event_id", req.EventID),
		zap.String("listing_id", l.ListingID),
		zap.Int64("amount", l.TotalAmount),
		zap.String("price", l.PricePerUnit.String()),
		zap.Time("expires_at", l.ExpiresAt))

	escrow := model.Leg{
		MatchID:   deterministicID(req.EventID, "escrow"),
		Kind:      model.LegEscrow,
		From:      req.From,
		To:        model.LiquidityPoolAccount,
		Amount:    req.Amount,
		ListingID: l.ListingID,
		GrossCash: decimal.Zero,
		FeeCash:   decimal.Zero,
		SellerID:  req.From,
	}
	return &Result{
		Intent:  model.IntentMarketSell,
		Legs:    []model.Leg{escrow},
		Listing: l,
		Fees:    Fees(nil, 0),
	}, nil
}

func (e *Engine) matchPurchase(ctx context.Context, req model.Request, now time.Time) (*Result, error) {
	listingID := strings.TrimSpace(req.ListingID)
	buyer := classifier.Buyer(req, model.IntentMarketPurchase)

	if listingID == AnyListing {
		if existing, err := e.arena.GetReservation(ctx, req.EventID); err == nil {
			listingID = existing.ListingID
		} else {
			best, err := e.FindListing(ctx, req.Amount)
			if err != nil {
				return nil, matchError(err)
			}
			listingID = best.ListingID
		}
	}

	f, err := e.arena.Reserve(ctx, ReserveRequest{
		MatchID:   deterministicID(req.EventID, "fill", listingID),
		EventID:   req.EventID,
		BuyerID:   buyer,
		ListingID: listingID,
		Amount:    req.Amount,
		Now:       now,
		TTL:       e.cfg.ReservationTTL,
	})
	if err != nil {
		return nil, matchError(err)
	}
	l, err := e.arena.GetListing(ctx, f.ListingID)
	if err != nil {
		return nil, matchError(err)
	}

	e.logger.Info("matching.reserved",
		zap.String("event_id", req.EventID),
		zap.String("match_id", f.MatchID),
		zap.String("listing_id", l.ListingID),
		zap.Int64("requested", req.Amount),
		zap.Int64("filled", f.Amount),
		zap.String("status", string(f.Status)),
		zap.Time("expires_at", f.ExpiresAt))

	gross := l.PricePerUnit.Mul(decimal.NewFromInt(f.Amount))
	leg := model.Leg{
		MatchID:   f.MatchID,
		Kind:      model.LegFill,
		From:      model.LiquidityPoolAccount,
		To:        buyer,
		Amount:    f.Amount,
		ListingID: l.ListingID,
		GrossCash: gross,
		FeeCash:   feeOn(gross, e.cfg.PlatformFeeBps),
		SellerID:  l.SellerID,
		BuyerID:   buyer,
	}
	return &Result{
		Intent:      model.IntentMarketPurchase,
		Fills:       []model.Fill{*f},
		Legs:        []model.Leg{leg},
		Listing:     l,
		Fees:        Fees([]model.Leg{leg}, e.cfg.PlatformFeeBps),
		Reservation: f,
	}, nil
}

// MarkPaymentPending records that the reservation is waiting on its payment proof.
func (e *Engine) MarkPaymentPending(ctx context.Context, f *model.Fill) (*model.Fill, error) {
	if f.Status != model.ReservationReserved {
		return f, nil
	}
	out, err := e.arena.Transition(ctx, f.MatchID, model.ReservationPaymentPending, e.now().UTC())
	if err != nil {
		return nil, e.resolveLease(ctx, f, err)
	}
	return out, nil
}

// ConfirmReservation locks the hold in once payment is proven. An elapsed
// lease releases the hold and fails with reservation_expired.
func (e *Engine) ConfirmReservation(ctx context.Context, f *model.Fill) (*model.Fill, error) {
	now := e.now().UTC()
	if f.LeaseExpired(now) {
		_, _ = e.ReleaseReservation(ctx, f, model.ReservationExpired)
		return nil, model.Permanent(model.StageMatched, model.ReasonReservationExpired, ErrReservationExpired)
	}
	out, err := e.arena.Transition(ctx, f.MatchID, model.ReservationConfirmed, now)
	if err != nil {
		return nil, e.resolveLease(ctx, f, err)
	}
	e.logger.Info("matching.reservation_confirmed",
		zap.String("event_id", f.EventID),
		zap.String("match_id", f.MatchID))
	return out, nil
}

// resolveLease turns a failed transition into the matching error, releasing
// the hold when the lease turned out to be gone.
func (e *Engine) resolveLease(ctx context.Context, f *model.Fill, err error) error {
	if errors.Is(err, ErrReservationExpired) {
		_, _ = e.ReleaseReservation(ctx, f, model.ReservationExpired)
		return model.Permanent(model.StageMatched, model.ReasonReservationExpired, err)
	}
	if errors.Is(err, ErrInvalidTransition) {
		current, gerr := e.arena.GetReservation(ctx, f.EventID)
		if gerr == nil && (current.Status == model.ReservationExpired || current.Status == model.ReservationReleased) {
			return model.Permanent(model.StageMatched, model.ReasonReservationExpired, fmt.Errorf("reservation %s is %s", f.MatchID, current.Status))
		}
	}
	return matchError(err)
}

// ReleaseReservation returns the hold to its listing exactly once. It
// reports whether this call performed the release.
func (e *Engine) ReleaseReservation(ctx context.Context, f *model.Fill, to model.ReservationStatus) (bool, error) {
	return e.release(ctx, f, to, e.now().UTC())
}

func (e *Engine) release(ctx context.Context, f *model.Fill, to model.ReservationStatus, now time.Time) (bool, error) {
	if f == nil || f.ListingID == "" {
		return false, nil
	}
	if to == model.ReservationExpired && f.Status == model.ReservationConfirmed {
		return false, fmt.Errorf("confirmed reservation %s cannot expire", f.MatchID)
	}
	out, released, err := e.arena.Release(ctx, f.MatchID, to, now)
	if err != nil {
		return false, fmt.Errorf("release reservation %s: %w", f.MatchID, err)
	}
	if released {
		metrics.IncReservationReleased(string(to))
		e.logger.Info("matching.reservation_released",
			zap.String("event_id", out.EventID),
			zap.String("match_id", out.MatchID),
			zap.String("listing_id", out.ListingID),
			zap.Int64("amount", out.Amount),
			zap.String("status", string(to)))
	}
	return released, nil
}

// ExpireDue releases every unconfirmed reservation whose lease elapsed before now.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.arena.DueReservations(ctx, now, 500)
	if err != nil {
		return 0, fmt.Errorf("list due reservations: %w", err)
	}
	expired := 0
	for _, f := range due {
		released, err := e.release(ctx, f, model.ReservationExpired, now)
		if err != nil {
			e.logger.Warn("matching.expire_failed", zap.String("match_id", f.MatchID), zap.Error(err))
			continue
		}
		if released {
			expired++
		}
	}
	return expired, nil
}

// Reservation returns the hold placed for eventID, if any.
func (e *Engine) Reservation(ctx context.Context, eventID string) (*model.Fill, error) {
	return e.arena.GetReservation(ctx, eventID)
}

// CancelListing withdraws a listing whose escrow could not be settled.
func (e *Engine) CancelListing(ctx context.Context, listingID string) error {
	if _, err := e.arena.CancelListing(ctx, listingID); err != nil {
		return fmt.Errorf("cancel listing %s: %w", listingID, err)
	}
	e.logger.Info("matching.listing_cancelled", zap.String("listing_id", listingID))
	return nil
}

// FindListing picks the best listing able to serve amount.
func (e *Engine) FindListing(ctx context.Context, amount int64) (*model.Listing, error) {
	active, err := e.arena.ListActive(ctx, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if best := BestListing(active, amount, e.now().UTC()); best != nil {
		return best, nil
	}
	return nil, ErrListingNotFound
}

func matchError(err error) error {
	switch {
	case errors.Is(err, ErrListingNotFound):
		return model.Permanent(model.StageMatched, model.ReasonListingNotFound, err)
	case errors.Is(err, ErrListingInsufficient):
		return model.Permanent(model.StageMatched, model.ReasonListingInsufficient, err)
	case errors.Is(err, ErrListingExpired):
		return model.Permanent(model.StageMatched, model.ReasonListingExpired, err)
	case errors.Is(err, ErrListingInactive):
		return model.Permanent(model.StageMatched, model.ReasonListingInactive, err)
	case errors.Is(err, ErrSelfTrade):
		return model.Permanent(model.StageMatched, model.ReasonInvalidRequest, err)
	case errors.Is(err, ErrReservationExpired):
		return model.Permanent(model.StageMatched, model.ReasonReservationExpired, err)
	default:
		return model.Transient(model.StageMatched, model.ReasonMatchingUnavailable, err)
	}
}
