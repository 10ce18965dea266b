// Package transfer moves asset ownership through the custodian, once per leg.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/custodian"
	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// Store persists transfer records keyed by idempotency key.
type Store interface {
	SaveTransfer(ctx context.Context, rec *model.TransferRecord) (bool, error)
	GetTransfer(ctx context.Context, idempotencyKey string) (*model.TransferRecord, error)
}

type Executor struct {
	logger    *zap.Logger
	custodian custodian.API
	store     Store
	policy    *resilience.Policy
	now       func() time.Time
}

// NewExecutor wires the custodian behind policy. policy bounds the attempts
// and the per-attempt timeout for one delivery of a leg.
func NewExecutor(logger *zap.Logger, api custodian.API, st Store, policy *resilience.Policy) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger, custodian: api, store: st, policy: policy, now: time.Now}
}

// Execute performs the custodian movement for leg. A leg that already has a
// record returns it without calling the custodian.
func (e *Executor) Execute(ctx context.Context, order *model.SettlementOrder, leg model.Leg) (*model.TransferRecord, error) {
	eventID := order.Request.EventID
	key := model.IdempotencyKey(eventID, leg.MatchID)

	if rec, err := e.store.GetTransfer(ctx, key); err == nil {
		e.logger.Debug("transfer.duplicate_skipped", zap.String("key", key))
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, model.Transient(model.StageAssetTransferred, model.ReasonCustodianUnavailable, fmt.Errorf("read transfer: %w", err))
	}

	op := model.OperationChangeOwner
	if order.Intent == model.IntentTreasuryIssuance {
		op = model.OperationIssue
	}

	var moved *custodian.Movement
	attempts, err := e.policy.DoCounted(ctx, func(ctx context.Context) error {
		var err error
		if op == model.OperationIssue {
			moved, err = e.custodian.Issue(ctx, custodian.IssueRequest{IdempotencyKey: key, To: leg.To, Amount: leg.Amount})
		} else {
			moved, err = e.custodian.ChangeOwner(ctx, custodian.ChangeOwnerRequest{IdempotencyKey: key, From: leg.From, To: leg.To, Amount: leg.Amount})
		}
		return err
	})
	if err != nil {
		return nil, e.failure(key, attempts, err)
	}

	rec := &model.TransferRecord{
		Operation:      op,
		AssetReceiptID: moved.AssetReceiptID,
		EventID:        eventID,
		MatchID:        leg.MatchID,
		IdempotencyKey: key,
		From:           leg.From,
		To:             leg.To,
		Amount:         leg.Amount,
		Attempts:       attempts,
		DeliveredAt:    e.now().UTC(),
	}
	created, err := e.store.SaveTransfer(ctx, rec)
	if err != nil {
		return nil, model.Transient(model.StageAssetTransferred, model.ReasonCustodianUnavailable, fmt.Errorf("record transfer: %w", err))
	}
	if !created {
		// a concurrent delivery recorded it first
		return e.store.GetTransfer(ctx, key)
	}

	e.logger.Info("transfer.completed",
		zap.String("key", key),
		zap.String("operation", string(op)),
		zap.String("asset_receipt_id", rec.AssetReceiptID),
		zap.Int64("amount", rec.Amount),
		zap.Int("attempts", attempts))
	return rec, nil
}

func (e *Executor) failure(key string, attempts int, err error) error {
	if reason, ok := custodian.ReasonOf(err); ok {
		metrics.IncError("transfer", string(reason))
		e.logger.Warn("transfer.refused",
			zap.String("key", key),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return model.Permanent(model.StageAssetTransferred, reason, err)
	}
	e.logger.Warn("transfer.attempts_exhausted",
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Error(err))
	if errors.Is(err, resilience.ErrOpen) || model.IsRetryable(err) {
		return model.Transient(model.StageAssetTransferred, model.ReasonCustodianUnavailable, err)
	}
	return model.Permanent(model.StageAssetTransferred, model.ReasonCustodianUnavailable, err)
}
