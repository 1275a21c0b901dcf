package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/queue/memory"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

func TestDispatcherRunsTasksAcrossWorkers(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	workers := []*worker.Worker{
		worker.New(1, q, nil, worker.Config{}, zap.NewNop()),
		worker.New(2, q, nil, worker.Config{}, zap.NewNop()),
	}
	d := New(q, workers)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Enqueue(ctx, monitor.ScheduledTask{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(&errorQueue{err: errors.New("boom")}, nil)
	err := d.Enqueue(context.Background(), monitor.ScheduledTask{Name: "poll"})
	require.EqualError(t, err, "queue enqueue: boom")
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, monitor.ScheduledTask) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (monitor.ScheduledTask, error) {
	return monitor.ScheduledTask{}, q.err
}
