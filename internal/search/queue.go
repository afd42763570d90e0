package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when every slot is taken.
var ErrQueueFull = errors.New("search queue full")

// Queue runs jobs on a fixed pool of workers, detached from the connection
// that submitted them.
type Queue struct {
	coord   Coordinator
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewQueue creates a queue holding up to size pending jobs. timeout bounds a
// single job; zero means no bound.
func NewQueue(coord Coordinator, workers, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	return &Queue{
		coord:   coord,
		jobs:    make(chan Job, size),
		workers: workers,
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue submits a job without waiting for it to run.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("search job panicked",
				zap.String("term", job.Term),
				zap.String("panic", fmt.Sprint(r)))
			if f, ok := q.coord.(Failer); ok {
				f.Fail(ctx, job, fmt.Errorf("search panicked: %v", r))
			}
		}
	}()

	start := time.Now()
	if err := q.coord.Execute(ctx, job); err != nil {
		q.logger.Warn("search job failed",
			zap.String("term", job.Term),
			zap.String("session_id", job.SessionID),
			zap.Error(err))
		return
	}
	q.logger.Debug("search job done",
		zap.String("term", job.Term),
		zap.Duration("elapsed", time.Since(start)))
}
