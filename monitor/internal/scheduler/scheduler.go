// Package scheduler polls for due pages and enqueues check jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagewatch/monitor/internal/store"
)

// Config configures the scheduler.
type Config struct {
	// SweepInterval is how often to poll for due pages. Default: 30s.
	SweepInterval time.Duration
	// MaxFailCount is the failure count at which a page stops being
	// scheduled. Default: 10.
	MaxFailCount int
}

func (c *Config) defaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 10
	}
}

// JobSink receives one enqueue call per due page.
type JobSink func(ctx context.Context, pageID, url string) error

// Scheduler periodically sweeps the pages table and feeds due pages to the
// sink. It holds no schedule state of its own: the next check time derives
// from last_checked_at + check_interval in the store, so a restart loses
// nothing.
type Scheduler struct {
	store  *store.Store
	sink   JobSink
	config Config
	logger *slog.Logger

	kick chan struct{}
}

// New creates a Scheduler.
func New(st *store.Store, sink JobSink, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		sink:   sink,
		config: cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Refresh requests an immediate sweep outside the regular cadence. Used
// when pages are added or retimed so the first check doesn't wait out the
// sweep interval. Non-blocking; a pending request coalesces.
func (s *Scheduler) Refresh(context.Context) error {
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run sweeps on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler: started", "sweep_interval", s.config.SweepInterval)
	// Sweep once immediately on start.
	s.enqueueDuePages(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.enqueueDuePages(ctx)
		case <-s.kick:
			s.enqueueDuePages(ctx)
		}
	}
}

func (s *Scheduler) enqueueDuePages(ctx context.Context) {
	due, err := s.store.DuePages(ctx, s.config.MaxFailCount)
	if err != nil {
		s.logger.Error("scheduler: due pages", "error", err)
		return
	}

	enqueued := 0
	for _, p := range due {
		if err := s.sink(ctx, p.ID, p.URL); err != nil {
			s.logger.Warn("scheduler: enqueue", "page_id", p.ID, "url", p.URL, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Debug("scheduler: enqueued", "jobs", enqueued)
	}
}
