package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// DefaultDueInterval is how often the runner looks for due targets.
const DefaultDueInterval = 30 * time.Second

// TargetLister lists targets that may be due.
type TargetLister interface {
	ListActiveTargets(ctx context.Context) ([]monitor.Target, error)
}

// Checks runs one check.
type Checks interface {
	CheckNow(ctx context.Context, ownerID, targetID string) (Result, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	DueInterval time.Duration
}

// Runner schedules checks for due targets. A target whose check failed is not
// retried before its interval elapses again.
type Runner struct {
	targets TargetLister
	checks  Checks
	sched   monitor.Scheduler
	clock   monitor.Clock
	cfg     RunnerConfig
	logger  *zap.Logger

	mu        sync.Mutex
	attempted map[string]time.Time
}

// NewRunner constructs a Runner.
func NewRunner(targets TargetLister, checks Checks, sched monitor.Scheduler, clock monitor.Clock, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DueInterval <= 0 {
		cfg.DueInterval = DefaultDueInterval
	}
	return &Runner{
		targets:   targets,
		checks:    checks,
		sched:     sched,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("runner"),
		attempted: make(map[string]time.Time),
	}
}

// Run calls Tick every DueInterval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.DueInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil {
			r.logger.Warn("due scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick schedules a check for every due target and returns how many it scheduled.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	targets, err := r.targets.ListActiveTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active targets: %w", err)
	}
	r.prune(targets)
	now := r.clock.Now()
	scheduled := 0
	var errs []error
	for _, target := range targets {
		if !target.Due(now) || !r.claim(target, now) {
			continue
		}
		ownerID, targetID := target.OwnerID, target.ID
		err := r.sched.RunAfter(0, "check:"+targetID, func(ctx context.Context) error {
			_, err := r.checks.CheckNow(ctx, ownerID, targetID)
			if errors.Is(err, monitor.ErrCheckInProgress) {
				r.logger.Debug("check already in progress", zap.String("target_id", targetID), zap.Error(err))
				return nil
			}
			return err
		})
		if err != nil {
			r.release(targetID)
			errs = append(errs, fmt.Errorf("schedule check %s: %w", targetID, err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		r.logger.Debug("scheduled due checks", zap.Int("count", scheduled))
	}
	return scheduled, errors.Join(errs...)
}

func (r *Runner) claim(target monitor.Target, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.attempted[target.ID]; ok && now.Sub(last) < target.CheckInterval() {
		return false
	}
	r.attempted[target.ID] = now
	return true
}

func (r *Runner) release(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempted, targetID)
}

// prune forgets targets that were deleted, paused or deactivated.
func (r *Runner) prune(targets []monitor.Target) {
	live := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		live[target.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.attempted {
		if _, ok := live[id]; !ok {
			delete(r.attempted, id)
		}
	}
}
