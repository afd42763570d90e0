package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type coordFunc func(ctx context.Context, job Job) error

func (f coordFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }

func TestQueue_TimeoutBoundsJob(t *testing.T) {
	deadline := make(chan bool, 1)
	q := NewQueue(coordFunc(func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		deadline <- ctx.Err() == context.DeadlineExceeded
		return ctx.Err()
	}), 1, 1, 20*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(Job{Term: "slow"}))
	select {
	case ok := <-deadline:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not bounded")
	}
}

type failingCoordinator struct {
	coordFunc
	failed chan error
}

func (c failingCoordinator) Fail(_ context.Context, _ Job, cause error) { c.failed <- cause }

func TestQueue_PanicReportsFailure(t *testing.T) {
	coord := failingCoordinator{
		coordFunc: func(context.Context, Job) error { panic("boom") },
		failed:    make(chan error, 1),
	}
	q := NewQueue(coord, 1, 1, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(Job{Term: "lrrk2", SessionID: "s1"}))
	select {
	case err := <-coord.failed:
		assert.ErrorContains(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}
