// Package worker runs scheduled tasks pulled from the task queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Queue is the dequeue side of the task queue.
type Queue interface {
	Dequeue(ctx context.Context) (monitor.ScheduledTask, error)
}

// Observer is told when every task starts and finishes.
type Observer interface {
	TaskStarted(name string)
	TaskFinished(name string, wait, took time.Duration, err error)
}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds a single task run. Zero means no bound.
	TaskTimeout time.Duration
}

// Worker consumes scheduled tasks until its context ends.
type Worker struct {
	id       int
	queue    Queue
	observer Observer
	now      func() time.Time
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. observer may be nil.
func New(id int, queue Queue, observer Observer, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		observer: observer,
		now:      time.Now,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("queue drained", zap.Error(err))
			return
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task monitor.ScheduledTask) {
	start := w.now()
	var wait time.Duration
	if !task.EnqueuedAt.IsZero() {
		wait = start.Sub(task.EnqueuedAt)
	}
	runCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	if w.observer != nil {
		w.observer.TaskStarted(task.Name)
	}
	err := w.safeRun(runCtx, task)
	took := w.now().Sub(start)
	if err != nil {
		level := w.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = w.logger.Debug
		}
		level("task failed", zap.String("task", task.Name), zap.Duration("took", took), zap.Error(err))
	} else {
		w.logger.Debug("task done", zap.String("task", task.Name), zap.Duration("took", took))
	}
	if w.observer != nil {
		w.observer.TaskFinished(task.Name, wait, took, err)
	}
}

// safeRun converts a task panic into an error so one bad task cannot kill the pool.
func (w *Worker) safeRun(ctx context.Context, task monitor.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	if task.Run == nil {
		return fmt.Errorf("task %s has no function", task.Name)
	}
	return task.Run(ctx)
}
