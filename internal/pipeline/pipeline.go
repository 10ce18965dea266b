// Package pipeline wires the settlement stages onto the bus. Each stage is an
// independent consumer group; events flow
//
//	requests → intake → verified → match → matched → ledger → ledger.posted
//	→ transfer → asset.transferred → reconcile → receipts
//
// and any stage may divert an event to settlement.failed, which the
// finalizer turns into a FAILED receipt.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/bus"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// Pipeline owns the runner and the stage routes.
type Pipeline struct {
	logger *zap.Logger
	runner *Runner
	stages *Stages
	group  string
}

// New assembles the pipeline. group prefixes every consumer group.
func New(logger *zap.Logger, b bus.Bus, cfg RunnerConfig, group string, deps Deps) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if group == "" {
		group = "settlement"
	}
	return &Pipeline{
		logger: logger,
		runner: NewRunner(logger.Named("runner"), b, cfg),
		stages: NewStages(logger.Named("stages"), deps),
		group:  group,
	}
}

// Routes lists every stage binding.
func (p *Pipeline) Routes() []Route {
	s := p.stages
	return []Route{
		{Name: "intake", Topic: TopicRequests, Group: p.group + ".intake", Stage: model.StageReceived, Handle: s.Intake, Fail: s.IntakeFailed},
		{Name: "match", Topic: TopicVerified, Group: p.group + ".match", Stage: model.StageMatched, Handle: s.Match, Fail: s.MatchFailed},
		{Name: "ledger", Topic: TopicMatched, Group: p.group + ".ledger", Stage: model.StageLedgerPosted, Handle: s.Post, Fail: s.PostFailed},
		{Name: "transfer", Topic: TopicPosted, Group: p.group + ".transfer", Stage: model.StageAssetTransferred, Handle: s.Transfer, Fail: s.TransferFailed},
		{Name: "reconcile", Topic: TopicTransferred, Group: p.group + ".reconcile", Stage: model.StageReconciled, Handle: s.Reconcile, Fail: s.ReconcileFailed},
		{Name: "finalize", Topic: TopicFailed, Group: p.group + ".finalize", Stage: model.StageFailed, Handle: s.Finalize},
	}
}

// Start subscribes every route. Consumers stop when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, r := range p.Routes() {
		if err := p.runner.Run(ctx, r); err != nil {
			return err
		}
	}
	p.logger.Info("pipeline.started", zap.String("group", p.group))
	return nil
}
