package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanpilot/internal/logging"
)

// DefaultSweepSchedule polls running jobs every few seconds.
const DefaultSweepSchedule = "@every 5s"

// Sweeper periodically checks running jobs so deadlines are enforced even
// when nobody polls. It only calls Manager.CheckRunning, so the observable
// lifecycle is the same as with on-demand checks.
type Sweeper struct {
	manager  *Manager
	cron     *cron.Cron
	schedule string
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper for manager. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(manager *Manager, schedule string, logger *logging.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		manager:  manager,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule: schedule,
		logger:   logging.OrDefault(logger).WithComponent("sweeper"),
	}
}

// Start begins sweeping. A stopped sweeper may be started again.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry, err := s.cron.AddFunc(s.schedule, func() { s.sweep(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.entry = entry
	s.cancel = cancel
	s.cron.Start()
	s.running = true
	s.logger.Info("Sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts sweeping and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.running = false
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	if n := s.manager.CheckRunning(ctx); n > 0 {
		s.logger.Debug("Sweep finished jobs", "count", n)
	}
}
