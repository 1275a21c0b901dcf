// Package scheduler runs delayed, re-entrant tasks on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/dispatcher"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/queue/memory"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

// ErrClosed is returned by RunAfter after Close.
var ErrClosed = errors.New("scheduler closed")

// Config sizes the worker pool.
type Config struct {
	Workers     int
	QueueDepth  int
	TaskTimeout time.Duration
}

// Scheduler arms a timer per task and hands due tasks to the worker pool.
type Scheduler struct {
	queue      *memory.Queue
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[uint64]*time.Timer
	nextID  uint64
	closed  bool
	started bool
	done    chan struct{}
}

var _ monitor.Scheduler = (*Scheduler)(nil)

// New builds a Scheduler. Call Start before tasks can run.
func New(cfg Config, observer worker.Observer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	logger = logger.Named("scheduler")
	q := memory.NewQueue(cfg.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		workers = append(workers, worker.New(i, q, observer, worker.Config{TaskTimeout: cfg.TaskTimeout}, logger))
	}
	return &Scheduler{
		queue:      q,
		dispatcher: dispatcher.New(q, workers),
		logger:     logger,
		timers:     make(map[uint64]*time.Timer),
		done:       make(chan struct{}),
	}
}

// Start launches the worker pool. Tasks run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.dispatcher.Run(runCtx)
	}()
}

// RunAfter runs task once delay has elapsed.
func (s *Scheduler) RunAfter(delay time.Duration, name string, task monitor.Task) error {
	if task == nil {
		return fmt.Errorf("schedule %s: nil task", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return fmt.Errorf("schedule %s: scheduler not started", name)
	}
	if delay < 0 {
		delay = 0
	}
	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, name, task) })
	return nil
}

func (s *Scheduler) fire(id uint64, name string, task monitor.Task) {
	s.mu.Lock()
	delete(s.timers, id)
	ctx := s.ctx
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	err := s.dispatcher.Enqueue(ctx, monitor.ScheduledTask{Name: name, Run: task, EnqueuedAt: time.Now()})
	if err != nil {
		s.logger.Warn("dropping scheduled task", zap.String("task", name), zap.Error(err))
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops pending timers, cancels running tasks and waits for the pool.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.queue.Close()
	if started {
		<-s.done
	}
}
