package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// ErrUnbalanced is an in-process balance check failure. It is a programming
// error and is never retried.
var ErrUnbalanced = errors.New("unbalanced posting")

// Accounting is the external bookkeeping system.
type Accounting interface {
	Submit(ctx context.Context, key string, p *model.JournalPosting) error
}

// PostingStore remembers postings the accounting system accepted.
type PostingStore interface {
	SavePosting(ctx context.Context, p *model.JournalPosting) (bool, error)
	GetPosting(ctx context.Context, postingID string) (*model.JournalPosting, error)
}

// Poster validates and submits journal postings idempotently.
type Poster struct {
	logger     *zap.Logger
	accounting Accounting
	store      PostingStore
	now        func() time.Time
}

func NewPoster(logger *zap.Logger, accounting Accounting, st PostingStore) *Poster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poster{logger: logger, accounting: accounting, store: st, now: time.Now}
}

// PostLeg builds and posts the journal entry for one leg of order.
func (p *Poster) PostLeg(ctx context.Context, order *model.SettlementOrder, leg model.Leg) (*model.JournalPosting, error) {
	posting, err := BuildPosting(order, leg, p.now().UTC())
	if err != nil {
		return nil, model.Permanent(model.StageLedgerPosted, model.ReasonInvalidRequest, err)
	}
	return p.Post(ctx, posting)
}

// Post submits posting once. A posting already recorded locally is returned
// without contacting the accounting system.
func (p *Poster) Post(ctx context.Context, posting *model.JournalPosting) (*model.JournalPosting, error) {
	if existing, err := p.store.GetPosting(ctx, posting.PostingID); err == nil {
		p.logger.Debug("ledger.duplicate_skipped", zap.String("posting_id", posting.PostingID))
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, model.Transient(model.StageLedgerPosted, model.ReasonLedgerUnavailable, fmt.Errorf("read posting: %w", err))
	}

	if err := posting.Validate(); err != nil {
		metrics.IncError("ledger", "unbalanced")
		p.logger.Error("ledger.unbalanced_posting",
			zap.String("posting_id", posting.PostingID),
			zap.Error(err))
		return nil, model.Permanent(model.StageLedgerPosted, model.ReasonLedgerUnbalanced, fmt.Errorf("%w: %v", ErrUnbalanced, err))
	}

	if err := p.accounting.Submit(ctx, posting.PostingID, posting); err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, model.Permanent(model.StageLedgerPosted, model.ReasonLedgerUnbalanced, err)
		}
		if model.IsRetryable(err) {
			return nil, model.Transient(model.StageLedgerPosted, model.ReasonLedgerUnavailable, err)
		}
		return nil, model.Permanent(model.StageLedgerPosted, model.ReasonLedgerUnavailable, err)
	}

	if _, err := p.store.SavePosting(ctx, posting); err != nil {
		// accepted upstream; a retry re-submits under the same key and is a no-op there
		return nil, model.Transient(model.StageLedgerPosted, model.ReasonLedgerUnavailable, fmt.Errorf("record posting: %w", err))
	}

	p.logger.Info("ledger.posted",
		zap.String("posting_id", posting.PostingID),
		zap.String("event_id", posting.EventID),
		zap.Int("lines", len(posting.Lines)))
	return posting, nil
}

// Reverse posts the offsetting entry for an accepted posting.
func (p *Poster) Reverse(ctx context.Context, posting *model.JournalPosting) (*model.JournalPosting, error) {
	rev := posting.Reversal(p.now().UTC())
	out, err := p.Post(ctx, rev)
	if err != nil {
		return nil, err
	}
	p.logger.Info("ledger.reversed",
		zap.String("posting_id", posting.PostingID),
		zap.String("reversal_id", out.PostingID))
	return out, nil
}
