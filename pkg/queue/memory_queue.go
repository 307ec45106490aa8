package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process bounded queue. Jobs are lost on restart;
// use the redis or rabbitmq backend when that matters.
type MemoryQueue struct {
	jobs chan Job
	wg   sync.WaitGroup
}

// NewMemoryQueue creates a queue buffering up to size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// Enqueue adds a job without blocking. It fails with ErrQueueFull when the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Each job is attempted once. A job that is
// already running when ctx is cancelled runs to completion; see Wait.
// Jobs still buffered at that point stay in the queue; see Drain.
func (q *MemoryQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					if err := safeHandle(jobCtx, handler, job); err != nil {
						slog.Warn("queue_job_failed", "job_id", job.ID, "document_id", job.DocumentID, "err", err)
					}
				}
			}
		}()
	}
}

// Wait blocks until every worker started by Start has exited.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// Drain removes and returns the jobs no worker picked up. Call it after Wait.
func (q *MemoryQueue) Drain() []Job {
	var left []Job
	for {
		select {
		case job := <-q.jobs:
			left = append(left, job)
		default:
			return left
		}
	}
}
