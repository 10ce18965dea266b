package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/bus"
	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/internal/tracing"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// Deferral asks the runner to redeliver until Until without spending the
// retry budget. Once Until has passed, Err is the outcome.
type Deferral struct {
	Until time.Time
	Err   error
}

func (d *Deferral) Error() string {
	return fmt.Sprintf("deferred until %s: %v", d.Until.Format(time.RFC3339), d.Err)
}

func (d *Deferral) Unwrap() error { return d.Err }

// Route binds one stage handler to a topic.
type Route struct {
	Name  string // stage label for metrics, spans and logs
	Topic string
	Group string      // consumer group
	Stage model.Stage // attributed to untyped handler errors

	Handle func(ctx context.Context, env *model.Envelope) error
	// Fail reports an event the handler could not complete. cause always
	// carries a *model.PipelineError. Nil means the failure is logged and
	// the message dropped.
	Fail func(ctx context.Context, env *model.Envelope, cause error) error
}

// RunnerConfig bounds redelivery.
type RunnerConfig struct {
	Workers       int
	MaxDeliveries int
	RetryDelay    time.Duration // first redelivery delay, doubled per attempt
	MaxRetryDelay time.Duration
	PollInterval  time.Duration // redelivery delay while deferred
}

// Runner drives routes: it partitions deliveries by key over a fixed set of
// workers so one event is handled in order while different events run in
// parallel.
type Runner struct {
	logger *zap.Logger
	bus    bus.Bus
	cfg    RunnerConfig
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

func NewRunner(logger *zap.Logger, b bus.Bus, cfg RunnerConfig) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = cfg.RetryDelay
	}
	return &Runner{logger: logger, bus: b, cfg: cfg, now: time.Now, attempts: make(map[string]int)}
}

// Run subscribes route and starts its workers. Workers stop with ctx.
func (r *Runner) Run(ctx context.Context, route Route) error {
	lanes := make([]chan *bus.Message, r.cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan *bus.Message, 64)
		go r.work(ctx, route, lanes[i])
	}

	err := r.bus.Subscribe(ctx, route.Topic, route.Group, func(ctx context.Context, msg *bus.Message) {
		lane := lanes[partition(msg.Key, len(lanes))]
		select {
		case lane <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", route.Group, route.Topic, err)
	}
	r.logger.Info("pipeline.route_started",
		zap.String("stage", route.Name),
		zap.String("topic", route.Topic),
		zap.String("group", route.Group),
		zap.Int("workers", r.cfg.Workers))
	return nil
}

func partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Runner) work(ctx context.Context, route Route, lane <-chan *bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-lane:
			r.process(ctx, route, msg)
		}
	}
}

func (r *Runner) process(ctx context.Context, route Route, msg *bus.Message) {
	env, err := Decode(msg.Payload)
	if err != nil {
		metrics.IncStage(route.Name, "poison")
		r.logger.Error("pipeline.poison_message",
			zap.String("stage", route.Name),
			zap.String("key", msg.Key),
			zap.Error(err))
		r.failPoison(ctx, route, msg, err)
		return
	}

	sctx, span := tracing.StartStage(ctx, route.Name, env.EventID)
	start := time.Now()
	err = route.Handle(sctx, env)
	metrics.ObserveDuration(metrics.StageDuration, start, route.Name)
	tracing.End(span, err)

	if err == nil {
		r.forget(msg)
		metrics.IncStage(route.Name, "ok")
		r.settle(route, env, msg.Ack())
		return
	}

	var d *Deferral
	if errors.As(err, &d) {
		if wait := d.Until.Sub(r.now()); wait > 0 {
			metrics.IncStage(route.Name, "deferred")
			r.logger.Debug("pipeline.deferred",
				zap.String("stage", route.Name),
				zap.String("event_id", env.EventID),
				zap.Time("until", d.Until),
				zap.Error(d.Err))
			r.settle(route, env, msg.Nak(min(wait, r.cfg.PollInterval)))
			return
		}
		err = d.Err
	}

	pe := r.classify(route, err)
	attempt := r.attempt(msg)
	if pe.Retryable && attempt < r.cfg.MaxDeliveries {
		delay := r.backoff(attempt)
		metrics.IncStage(route.Name, "retry")
		r.logger.Warn("pipeline.retry",
			zap.String("stage", route.Name),
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		r.settle(route, env, msg.Nak(delay))
		return
	}

	metrics.IncStage(route.Name, "failed")
	r.logger.Warn("pipeline.stage_failed",
		zap.String("stage", route.Name),
		zap.String("event_id", env.EventID),
		zap.String("failed_stage", string(pe.Stage)),
		zap.String("reason", string(pe.Reason)),
		zap.Bool("exhausted", pe.Retryable),
		zap.Int("attempt", attempt),
		zap.Int("delivered", msg.Delivered),
		zap.Error(err))

	if route.Fail == nil {
		r.logger.Error("pipeline.event_dropped",
			zap.String("stage", route.Name),
			zap.String("event_id", env.EventID),
			zap.Error(err))
		r.forget(msg)
		r.settle(route, env, msg.Ack())
		return
	}
	cause := err
	if _, typed := model.AsPipelineError(err); !typed {
		cause = pe
	}
	if ferr := route.Fail(ctx, env, cause); ferr != nil {
		// the failure itself must not be lost; redeliver and report again
		r.logger.Error("pipeline.failure_report_failed",
			zap.String("stage", route.Name),
			zap.String("event_id", env.EventID),
			zap.Error(ferr))
		r.settle(route, env, msg.Nak(r.backoff(attempt)))
		return
	}
	r.forget(msg)
	r.settle(route, env, msg.Ack())
}

// failPoison reports an undecodable message against the eventId carried in
// its key so the event still ends in a receipt.
func (r *Runner) failPoison(ctx context.Context, route Route, msg *bus.Message, cause error) {
	if route.Fail == nil || msg.Key == "" {
		_ = msg.Ack()
		return
	}
	env := &model.Envelope{EventID: msg.Key, Topic: msg.Topic}
	if ferr := route.Fail(ctx, env, model.Permanent(route.Stage, model.ReasonInvalidRequest, cause)); ferr != nil {
		r.logger.Error("pipeline.failure_report_failed",
			zap.String("stage", route.Name),
			zap.String("event_id", msg.Key),
			zap.Error(ferr))
		r.settle(route, env, msg.Nak(r.backoff(msg.Delivered)))
		return
	}
	_ = msg.Ack()
}

// classify types err for the failure report.
func (r *Runner) classify(route Route, err error) *model.PipelineError {
	if pe, ok := model.AsPipelineError(err); ok {
		return pe
	}
	return &model.PipelineError{
		Stage:     route.Stage,
		Reason:    model.ReasonDeliveryExhausted,
		Retryable: model.IsRetryable(err),
		Err:       err,
	}
}

func (r *Runner) settle(route Route, env *model.Envelope, err error) {
	if err != nil {
		r.logger.Warn("pipeline.settle_failed",
			zap.String("stage", route.Name),
			zap.String("event_id", env.EventID),
			zap.Error(err))
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.RetryDelay
	for i := 1; i < attempt && d < r.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, r.cfg.MaxRetryDelay)
}

// attempt counts failed handlings of one message. Transports differ in how
// faithfully they report redeliveries and deferrals redeliver too, so the
// count is kept here rather than read from the transport.
func (r *Runner) attempt(msg *bus.Message) int {
	k := attemptKey(msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[k]++
	return r.attempts[k]
}

func (r *Runner) forget(msg *bus.Message) {
	k := attemptKey(msg)
	r.mu.Lock()
	delete(r.attempts, k)
	r.mu.Unlock()
}

func attemptKey(msg *bus.Message) string {
	sum := sha256.Sum256(msg.Payload)
	return msg.Topic + "|" + msg.Key + "|" + hex.EncodeToString(sum[:8])
}
