package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueRunsJobsConcurrently(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var inFlight, peak int32
	wg.Add(4)
	q.Start(ctx, 2, func(ctx context.Context, job Job) error {
		defer wg.Done()
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	for i := 0; i < 4; i++ {
		if err := q.Enqueue(ctx, Job{DocumentID: "doc", UserID: "u"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestMemoryQueueRejectsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{DocumentID: "a", UserID: "u"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, Job{DocumentID: "b", UserID: "u"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second enqueue err = %v, want ErrQueueFull", err)
	}
	if err := q.Enqueue(ctx, Job{UserID: "u"}); err == nil {
		t.Fatalf("expected validation error for missing documentId")
	}
}

func TestMemoryQueueSurvivesHandlerPanic(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 2)
	q.Start(ctx, 1, func(ctx context.Context, job Job) error {
		if job.DocumentID == "bad" {
			panic("boom")
		}
		done <- job.DocumentID
		return nil
	})
	_ = q.Enqueue(ctx, Job{DocumentID: "bad", UserID: "u"})
	_ = q.Enqueue(ctx, Job{DocumentID: "good", UserID: "u"})

	select {
	case id := <-done:
		if id != "good" {
			t.Fatalf("handled %q, want good", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not recover from panic")
	}
}

func TestMemoryQueueHandsBackBufferedJobsOnShutdown(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var handled atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		if handled.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, Job{DocumentID: id, UserID: "u"}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	<-started
	cancel()
	close(release)
	q.Wait()

	if got := handled.Load(); got != 1 {
		t.Fatalf("handled = %d, want 1", got)
	}
	left := q.Drain()
	if len(left) != 2 || left[0].DocumentID != "b" || left[1].DocumentID != "c" {
		t.Fatalf("drained = %+v, want [b c]", left)
	}
	if more := q.Drain(); len(more) != 0 {
		t.Fatalf("second drain = %+v, want empty", more)
	}
}
