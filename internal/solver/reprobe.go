package solver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// ReprobeScheduler triggers Health.Reprobe on a cron schedule
type ReprobeScheduler struct {
	health   *Health
	schedule cron.Schedule
	expr     string
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewReprobeScheduler creates a scheduler for the given cron expression
func NewReprobeScheduler(expr string, health *Health, logger *slog.Logger) (*ReprobeScheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reprobe cron %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReprobeScheduler{
		health:   health,
		schedule: sched,
		expr:     expr,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// NextRun returns the next scheduled probe after t
func (s *ReprobeScheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// LastRun returns when the scheduler last probed
func (s *ReprobeScheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Start runs the scheduler loop until ctx is done or Stop is called
func (s *ReprobeScheduler) Start(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("solver reprobe scheduled", "cron", s.expr, "next", s.NextRun(time.Now()))

	for {
		timer := time.NewTimer(time.Until(s.NextRun(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.health.Reprobe(ctx)
			s.mu.Lock()
			s.lastRun = time.Now()
			s.mu.Unlock()
		}
	}
}

// Stop ends the loop and waits for it to exit. Start must have been called.
func (s *ReprobeScheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
