package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StaleExpirer closes active sessions older than maxAge. *sessions.Service satisfies it.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper periodically closes sessions whose leave never arrived, recording them
// as session_expired.
type Sweeper struct {
	sessions StaleExpirer
	maxAge   time.Duration
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewSweeper schedules a sweep on schedule (standard cron or "@every 10m").
func NewSweeper(sessions StaleExpirer, schedule string, maxAge time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		sessions: sessions,
		maxAge:   maxAge,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Sweep runs one pass and returns how many sessions it closed.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := s.sessions.ExpireStale(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("stale session sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("expired stale sessions", zap.Int64("count", n), zap.Duration("max_age", s.maxAge))
	}
	return n
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop ends the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
