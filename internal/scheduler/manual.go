package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Pending is a task captured by Manual.
type Pending struct {
	Name  string
	Delay time.Duration
	Task  monitor.Task
}

// Manual records scheduled tasks and runs them only when asked. Tests use it
// to step delayed work deterministically.
type Manual struct {
	mu    sync.Mutex
	tasks []Pending
}

var _ monitor.Scheduler = (*Manual)(nil)

// NewManual returns an empty Manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// RunAfter records the task.
func (m *Manual) RunAfter(delay time.Duration, name string, task monitor.Task) error {
	if task == nil {
		return fmt.Errorf("schedule %s: nil task", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, Pending{Name: name, Delay: delay, Task: task})
	return nil
}

// Pending returns a copy of the recorded tasks.
func (m *Manual) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// RunNext pops and runs the oldest task. It reports false when none is pending.
func (m *Manual) RunNext(ctx context.Context) (Pending, bool, error) {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return Pending{}, false, nil
	}
	next := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	return next, true, next.Task(ctx)
}

// Drain runs tasks, including ones scheduled while draining, until none remain
// or limit tasks have run. It returns the number of tasks run and their errors.
func (m *Manual) Drain(ctx context.Context, limit int) (int, []error) {
	var errs []error
	ran := 0
	for limit <= 0 || ran < limit {
		_, ok, err := m.RunNext(ctx)
		if !ok {
			break
		}
		ran++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return ran, errs
}
