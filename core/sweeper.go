package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

type Sweepable interface {
	Sweep(ctx context.Context) (DispatchStats, error)
}

// Sweeper runs Sweep on a cron schedule. Runs never overlap: a tick that
// fires while the previous sweep is still going is dropped.
type Sweeper struct {
	target   Sweepable
	schedule string
	logger   Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSweeper(target Sweepable, schedule string, logger Logger) (*Sweeper, error) {
	if target == nil {
		return nil, fmt.Errorf("core: sweep target is required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("core: invalid sweep schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		target:   target,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	// one entry for the sweeper's lifetime; Start and Stop only toggle the scheduler
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("core: schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true
	return nil
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
}

// RunOnce sweeps synchronously, outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) (DispatchStats, error) {
	return s.target.Sweep(ctx)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	stats, err := s.target.Sweep(ctx)
	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.Error("grant sweep failed", "error", err.Error())
		return
	}
	if stats.Claimed > 0 {
		s.logger.Info("grant sweep finished",
			"claimed", stats.Claimed,
			"succeeded", stats.Succeeded,
			"skipped", stats.Skipped,
			"retried", stats.Retried,
			"failed", stats.Failed,
		)
	}
}
