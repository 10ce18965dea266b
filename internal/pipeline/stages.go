package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/classifier"
	"github.com/Checker-Finance/settlement/internal/identity"
	"github.com/Checker-Finance/settlement/internal/ledger"
	"github.com/Checker-Finance/settlement/internal/matching"
	"github.com/Checker-Finance/settlement/internal/reconcile"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/internal/transfer"
	"github.com/Checker-Finance/settlement/internal/verifier"
	"github.com/Checker-Finance/settlement/pkg/model"
	"github.com/Checker-Finance/settlement/pkg/utils"
)

// PaymentVerifier proves an off-chain payment.
type PaymentVerifier interface {
	Verify(ctx context.Context, proof, chain string, expected decimal.Decimal) (*model.VerificationResult, error)
}

// OrderStore keeps match outcomes and the per-event stage timeline.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *model.SettlementOrder) (*model.SettlementOrder, error)
	GetOrder(ctx context.Context, eventID string) (*model.SettlementOrder, error)
	RecordStage(ctx context.Context, eventID string, stage model.Stage, at time.Time) error
}

// Deps are the collaborators the stage handlers drive.
type Deps struct {
	Publisher  *Publisher
	Store      OrderStore
	Identity   identity.Resolver
	Verifier   PaymentVerifier
	Engine     *matching.Engine
	Poster     *ledger.Poster
	Transfers  *transfer.Executor
	Reconciler *reconcile.Reconciler

	TreasuryUnitPrice decimal.Decimal
}

// Stages holds one handler per pipeline step.
type Stages struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewStages(logger *zap.Logger, deps Deps) *Stages {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.TreasuryUnitPrice.IsZero() {
		deps.TreasuryUnitPrice = decimal.NewFromInt(1)
	}
	return &Stages{Deps: deps, logger: logger, now: time.Now}
}

// paymentFailure carries the verification evidence alongside a failure.
type paymentFailure struct {
	err     error
	payment *model.VerificationResult
}

func (p *paymentFailure) Error() string { return p.err.Error() }
func (p *paymentFailure) Unwrap() error { return p.err }

// track records the first time an event reached stage.
func (s *Stages) track(ctx context.Context, eventID string, stage model.Stage) {
	if err := s.Store.RecordStage(ctx, eventID, stage, s.now().UTC()); err != nil {
		s.logger.Warn("pipeline.track_failed",
			zap.String("event_id", eventID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}

// ─── intake ─────────────────────────────────────────────────────────────────

// Intake validates, checks identity, classifies and proves treasury payments.
func (s *Stages) Intake(ctx context.Context, env *model.Envelope) error {
	msg, err := Unpack[model.RequestAdmitted](env)
	if err != nil {
		return err
	}
	req := msg.Request
	if err := req.Validate(); err != nil {
		return model.Permanent(model.StageReceived, model.ReasonInvalidRequest, err)
	}
	s.track(ctx, req.EventID, model.StageReceived)

	if err := identity.RequireActive(ctx, s.Identity, s.logger, req.Parties()...); err != nil {
		return err
	}

	intent := classifier.Classify(req)
	var payment *model.VerificationResult
	if intent == model.IntentTreasuryIssuance {
		s.track(ctx, req.EventID, model.StagePaymentPending)
		expected := s.TreasuryUnitPrice.Mul(decimal.NewFromInt(req.Amount))
		payment, err = s.verify(ctx, req, expected)
		if err != nil {
			return err
		}
		if !payment.Valid {
			return &paymentFailure{
				err:     model.Permanent(model.StagePaymentPending, model.PaymentReason(payment.Reason), fmt.Errorf("treasury payment rejected")),
				payment: payment,
			}
		}
	}
	if intent != model.IntentMarketPurchase {
		s.track(ctx, req.EventID, model.StagePaymentConfirmed)
	}

	s.logger.Info("pipeline.admitted",
		zap.String("event_id", req.EventID),
		zap.String("intent", string(intent)),
		zap.Int64("amount", req.Amount))
	return s.Publisher.Emit(ctx, TopicVerified, EventPaymentConfirmed, req.EventID, model.PaymentConfirmed{
		Request: req,
		Intent:  intent,
		Payment: payment,
		At:      s.now().UTC(),
	})
}

func (s *Stages) verify(ctx context.Context, req model.Request, expected decimal.Decimal) (*model.VerificationResult, error) {
	res, err := s.Verifier.Verify(ctx, req.PaymentProof, req.Chain, expected)
	switch {
	case errors.Is(err, verifier.ErrUnknownChain):
		return nil, model.Permanent(model.StagePaymentPending, model.PaymentReason(model.ReasonVerificationError), err)
	case err != nil:
		return nil, model.Transient(model.StagePaymentPending, model.PaymentReason(model.ReasonVerificationError), err)
	}
	s.logger.Debug("pipeline.payment_checked",
		zap.String("event_id", req.EventID),
		zap.String("proof", utils.MaskProof(req.PaymentProof)),
		zap.Bool("valid", res.Valid),
		zap.String("reason", string(res.Reason)))
	return res, nil
}

func (s *Stages) IntakeFailed(ctx context.Context, env *model.Envelope, cause error) error {
	msg, err := Unpack[model.RequestAdmitted](env)
	if err != nil {
		return s.report(ctx, env.EventID, nil, "", nil, cause)
	}
	req := msg.Request
	return s.report(ctx, req.EventID, &req, classifier.Classify(req), nil, cause)
}

// ─── matching ───────────────────────────────────────────────────────────────

// Match allocates inventory, proves purchase payments under the reservation
// lease and hands the order to settlement.
func (s *Stages) Match(ctx context.Context, env *model.Envelope) error {
	pc, err := Unpack[model.PaymentConfirmed](env)
	if err != nil {
		return err
	}
	req := pc.Request

	if order, err := s.Store.GetOrder(ctx, req.EventID); err == nil {
		return s.Publisher.Emit(ctx, TopicMatched, EventSettlementOrder, req.EventID, order)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Transient(model.StageMatched, model.ReasonStoreUnavailable, err)
	}

	res, err := s.Engine.Match(ctx, req, pc.Intent)
	if err != nil {
		return err
	}

	payment := pc.Payment
	if res.Reservation != nil {
		payment, err = s.securePayment(ctx, req, res)
		if err != nil {
			return err
		}
	}

	order, err := s.Store.SaveOrder(ctx, res.Order(req, payment, s.now().UTC()))
	if err != nil {
		return model.Transient(model.StageMatched, model.ReasonStoreUnavailable, err)
	}
	s.track(ctx, req.EventID, model.StageMatched)
	return s.Publisher.Emit(ctx, TopicMatched, EventSettlementOrder, req.EventID, order)
}

// securePayment verifies the buyer's payment while the reservation holds.
// Awaitable results defer until the lease runs out.
func (s *Stages) securePayment(ctx context.Context, req model.Request, res *matching.Result) (*model.VerificationResult, error) {
	hold := res.Reservation
	if hold.LeaseExpired(s.now().UTC()) {
		if _, err := s.Engine.ReleaseReservation(ctx, hold, model.ReservationExpired); err != nil {
			return nil, model.Transient(model.StageMatched, model.ReasonMatchingUnavailable, err)
		}
		return nil, model.Permanent(model.StageMatched, model.ReasonReservationExpired, matching.ErrReservationExpired)
	}

	hold, err := s.Engine.MarkPaymentPending(ctx, hold)
	if err != nil {
		return nil, err
	}
	s.track(ctx, req.EventID, model.StagePaymentPending)

	payment, err := s.verify(ctx, req, res.Fees.Gross)
	if err != nil {
		return nil, err
	}
	if !payment.Valid {
		if payment.Awaitable() && hold.Status != model.ReservationConfirmed {
			return nil, &Deferral{
				Until: hold.ExpiresAt,
				Err: &paymentFailure{
					err:     model.Permanent(model.StageMatched, model.ReasonReservationExpired, fmt.Errorf("payment still %s at lease end", payment.Reason)),
					payment: payment,
				},
			}
		}
		if _, err := s.Engine.ReleaseReservation(ctx, hold, model.ReservationReleased); err != nil {
			s.logger.Warn("pipeline.release_failed", zap.String("event_id", req.EventID), zap.Error(err))
		}
		return nil, &paymentFailure{
			err:     model.Permanent(model.StagePaymentPending, model.PaymentReason(payment.Reason), fmt.Errorf("purchase payment rejected")),
			payment: payment,
		}
	}

	if hold.Status != model.ReservationConfirmed {
		if _, err := s.Engine.ConfirmReservation(ctx, hold); err != nil {
			return nil, err
		}
	}
	s.track(ctx, req.EventID, model.StagePaymentConfirmed)
	return payment, nil
}

func (s *Stages) MatchFailed(ctx context.Context, env *model.Envelope, cause error) error {
	pc, err := Unpack[model.PaymentConfirmed](env)
	if err != nil {
		return s.report(ctx, env.EventID, nil, "", nil, cause)
	}
	return s.report(ctx, pc.Request.EventID, &pc.Request, pc.Intent, pc.Payment, cause)
}

// ─── settlement ─────────────────────────────────────────────────────────────

// Post books every leg of the order with the accounting system.
func (s *Stages) Post(ctx context.Context, env *model.Envelope) error {
	order, err := Unpack[model.SettlementOrder](env)
	if err != nil {
		return err
	}
	eventID := order.Request.EventID
	for _, leg := range order.Legs {
		p, err := s.Poster.PostLeg(ctx, &order, leg)
		if err != nil {
			return err
		}
		if err := s.Publisher.Emit(ctx, TopicPosted, EventLedgerPosted, eventID, model.LedgerPosted{
			EventID:   eventID,
			MatchID:   leg.MatchID,
			PostingID: p.PostingID,
			At:        s.now().UTC(),
		}); err != nil {
			return err
		}
	}
	s.track(ctx, eventID, model.StageLedgerPosted)
	return nil
}

func (s *Stages) PostFailed(ctx context.Context, env *model.Envelope, cause error) error {
	order, err := Unpack[model.SettlementOrder](env)
	if err != nil {
		return s.report(ctx, env.EventID, nil, "", nil, cause)
	}
	return s.report(ctx, order.Request.EventID, &order.Request, order.Intent, order.Payment, cause)
}

// Transfer moves the asset for a leg once its posting is booked.
func (s *Stages) Transfer(ctx context.Context, env *model.Envelope) error {
	lp, err := Unpack[model.LedgerPosted](env)
	if err != nil {
		return err
	}
	order, err := s.Store.GetOrder(ctx, lp.EventID)
	if err != nil {
		return model.Transient(model.StageAssetTransferred, model.ReasonStoreUnavailable, fmt.Errorf("load order: %w", err))
	}
	leg, ok := order.Leg(lp.MatchID)
	if !ok {
		return model.Permanent(model.StageAssetTransferred, model.ReasonInvalidRequest, fmt.Errorf("order has no leg %s", lp.MatchID))
	}

	rec, err := s.Transfers.Execute(ctx, order, leg)
	if err != nil {
		return err
	}
	if err := s.Publisher.Emit(ctx, TopicTransferred, EventAssetTransferred, lp.EventID, model.AssetTransferred{
		EventID: lp.EventID,
		Record:  *rec,
	}); err != nil {
		return err
	}
	s.track(ctx, lp.EventID, model.StageAssetTransferred)
	return nil
}

func (s *Stages) TransferFailed(ctx context.Context, env *model.Envelope, cause error) error {
	return s.reportForOrder(ctx, env.EventID, cause)
}

// ─── reconciliation ─────────────────────────────────────────────────────────

// Reconcile completes the event once every leg has moved.
func (s *Stages) Reconcile(ctx context.Context, env *model.Envelope) error {
	at, err := Unpack[model.AssetTransferred](env)
	if err != nil {
		return err
	}
	receipt, _, err := s.Reconciler.TryComplete(ctx, at.EventID)
	if err != nil || receipt == nil {
		return err
	}
	return s.Publisher.Emit(ctx, TopicReceipts, EventReceipt, receipt.EventID, receipt)
}

func (s *Stages) ReconcileFailed(ctx context.Context, env *model.Envelope, cause error) error {
	return s.reportForOrder(ctx, env.EventID, cause)
}

// Finalize compensates a failed event and composes its FAILED receipt.
func (s *Stages) Finalize(ctx context.Context, env *model.Envelope) error {
	f, err := Unpack[model.StageFailure](env)
	if err != nil {
		return err
	}
	receipt, _, err := s.Reconciler.Fail(ctx, f)
	if err != nil {
		return err
	}
	return s.Publisher.Emit(ctx, TopicReceipts, EventReceipt, receipt.EventID, receipt)
}

// ─── failure reports ────────────────────────────────────────────────────────

func (s *Stages) reportForOrder(ctx context.Context, eventID string, cause error) error {
	order, err := s.Store.GetOrder(ctx, eventID)
	if err != nil {
		return s.report(ctx, eventID, nil, "", nil, cause)
	}
	return s.report(ctx, eventID, &order.Request, order.Intent, order.Payment, cause)
}

func (s *Stages) report(ctx context.Context, eventID string, req *model.Request, intent model.Intent, payment *model.VerificationResult, cause error) error {
	pe, ok := model.AsPipelineError(cause)
	if !ok {
		pe = &model.PipelineError{Stage: model.StageReceived, Reason: model.ReasonDeliveryExhausted, Err: cause}
	}
	var pf *paymentFailure
	if errors.As(cause, &pf) {
		payment = pf.payment
	}
	return s.Publisher.Emit(ctx, TopicFailed, EventStageFailure, eventID, model.StageFailure{
		EventID: eventID,
		Request: req,
		Intent:  intent,
		Stage:   pe.Stage,
		Reason:  pe.Reason,
		Message: pe.Error(),
		Payment: payment,
		At:      s.now().UTC(),
	})
}
