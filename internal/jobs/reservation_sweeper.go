package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/metrics"
)

// Expirer releases reservations whose payment lease has elapsed.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Marker claims a named one-shot marker; the first caller wins.
type Marker interface {
	Mark(ctx context.Context, name string) (bool, error)
}

// ReservationSweeper periodically returns expired reservation inventory to
// its listing. With a Marker, only one replica sweeps each tick.
type ReservationSweeper struct {
	logger   *zap.Logger
	expirer  Expirer
	marker   Marker
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
}

func NewReservationSweeper(logger *zap.Logger, expirer Expirer, marker Marker, interval time.Duration) *ReservationSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReservationSweeper{
		logger:   logger,
		expirer:  expirer,
		marker:   marker,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *ReservationSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reservation_sweeper.started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("reservation_sweeper.stopped (manual stop)")
			return
		case <-ctx.Done():
			s.logger.Info("reservation_sweeper.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the sweeper.
func (s *ReservationSweeper) Stop() {
	close(s.stopCh)
}

// RunOnce executes one sweep and returns the number of reservations expired.
func (s *ReservationSweeper) RunOnce(ctx context.Context) int {
	now := s.now().UTC()
	if s.marker != nil {
		slot := now.Truncate(s.interval).Format(time.RFC3339)
		claimed, err := s.marker.Mark(ctx, "sweep:reservations:"+slot)
		if err != nil {
			s.logger.Warn("reservation_sweeper.claim_failed", zap.Error(err))
			return 0
		}
		if !claimed {
			return 0
		}
	}

	start := time.Now()
	n, err := s.expirer.ExpireDue(ctx, now)
	if err != nil {
		metrics.IncError("sweeper", "expire_failed")
		s.logger.Error("reservation_sweeper.expire_failed", zap.Error(err))
		return 0
	}
	metrics.SetLastSweep("reservations", now)

	if n > 0 {
		s.logger.Info("reservation_sweeper.expired",
			zap.Int("count", n),
			zap.Duration("duration", time.Since(start)))
	}
	return n
}
