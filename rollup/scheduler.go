package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const scheduledRunTimeout = 10 * time.Minute

// Scheduler runs the prior-day rollup on a cron schedule evaluated in UTC.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers the daily job under spec, a standard five-field cron
// expression. Call Start to begin running it.
func NewScheduler(engine *Engine, spec string) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.runPriorDay); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule rollup %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runPriorDay() {
	ctx, cancel := context.WithTimeout(s.ctx, scheduledRunTimeout)
	defer cancel()
	if _, err := s.engine.RollupPriorDay(ctx); err != nil {
		s.engine.logger.Error("scheduled rollup failed", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.engine.logger.Info("rollup scheduler started", "entries", len(s.cron.Entries()))
}

// Close stops scheduling, cancels a running job and waits for it to return.
func (s *Scheduler) Close() error {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	return nil
}
