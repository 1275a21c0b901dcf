// Package teardown deletes a target and its children in small batches,
// rescheduling itself until nothing is left.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// DefaultBatchSize bounds the documents removed per collection per step.
const DefaultBatchSize = 20

// Store is the subset of the document store teardown needs.
type Store interface {
	GetTarget(ctx context.Context, ownerID, targetID string) (monitor.Target, error)
	DeleteTarget(ctx context.Context, ownerID, targetID string) error
	DeleteChangesBatch(ctx context.Context, targetID string, limit int) (int, error)
	DeleteSessionsBatch(ctx context.Context, targetID string, limit int) (int, error)
	DeleteAlertsBatch(ctx context.Context, targetID string, limit int) (int, error)
	DeleteDeliveriesBatch(ctx context.Context, targetID string, limit int) (int, error)
}

// Config configures a Teardown.
type Config struct {
	BatchSize int
	// Delay separates consecutive batches.
	Delay time.Duration
}

// Teardown removes targets asynchronously.
type Teardown struct {
	store  Store
	sched  monitor.Scheduler
	clock  monitor.Clock
	events progress.Emitter
	cfg    Config
	logger *zap.Logger
}

// New constructs a Teardown.
func New(store Store, sched monitor.Scheduler, clock monitor.Clock, events progress.Emitter, cfg Config, logger *zap.Logger) *Teardown {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Teardown{
		store:  store,
		sched:  sched,
		clock:  clock,
		events: progress.Or(events),
		cfg:    cfg,
		logger: logger.Named("teardown"),
	}
}

// Schedule verifies ownership and queues the first batch.
func (t *Teardown) Schedule(ctx context.Context, ownerID, targetID string) error {
	if _, err := t.store.GetTarget(ctx, ownerID, targetID); err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	return t.next(ownerID, targetID, 0)
}

// Step deletes one batch from every child collection. When a collection may
// still hold documents the next step is scheduled; otherwise the target row is
// removed.
func (t *Teardown) Step(ctx context.Context, ownerID, targetID string) error {
	steps := []struct {
		name string
		fn   func(context.Context, string, int) (int, error)
	}{
		{"changes", t.store.DeleteChangesBatch},
		{"sessions", t.store.DeleteSessionsBatch},
		{"alerts", t.store.DeleteAlertsBatch},
		{"deliveries", t.store.DeleteDeliveriesBatch},
	}
	more := false
	removed := 0
	for _, s := range steps {
		n, err := s.fn(ctx, targetID, t.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("delete %s batch: %w", s.name, err)
		}
		removed += n
		if n >= t.cfg.BatchSize {
			more = true
		}
	}
	t.logger.Debug("teardown batch", zap.String("target_id", targetID), zap.Int("removed", removed), zap.Bool("more", more))
	if more {
		return t.next(ownerID, targetID, t.cfg.Delay)
	}

	err := t.store.DeleteTarget(ctx, ownerID, targetID)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		t.logger.Debug("target already deleted", zap.String("target_id", targetID))
		return nil
	case err != nil:
		return fmt.Errorf("delete target: %w", err)
	}
	t.events.Emit(progress.Event{
		TargetID: targetID,
		OwnerID:  ownerID,
		Stage:    progress.StageTeardownDone,
		TS:       t.clock.Now(),
	})
	t.logger.Info("target deleted", zap.String("target_id", targetID))
	return nil
}

func (t *Teardown) next(ownerID, targetID string, delay time.Duration) error {
	err := t.sched.RunAfter(delay, "teardown:"+targetID, func(ctx context.Context) error {
		return t.Step(ctx, ownerID, targetID)
	})
	if err != nil {
		return fmt.Errorf("schedule teardown: %w", err)
	}
	return nil
}
