package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T, maxRetries int) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "lexcomply:analysis",
		Consumer:   "test",
		MaxRetries: maxRetries,
		Block:      20 * time.Millisecond,
		RetryAfter: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisJobQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func waitForState(t *testing.T, q *RedisJobQueue, jobID, state string) Delivery {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		d, ok, err := q.Delivery(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Delivery: %v", err)
		}
		if ok && d.State == state {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery = %+v, want state %s", d, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisJobQueueRetriesThroughReclaim(t *testing.T) {
	q, _ := newTestRedisQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	seen := make(chan Job, 1)
	q.Start(ctx, 2, func(_ context.Context, job Job) error {
		if calls.Add(1) == 1 {
			return errors.New("ai provider timeout")
		}
		seen <- job
		return nil
	})
	if err := q.Enqueue(ctx, Job{ID: "job-1", DocumentID: "doc-1", UserID: "user-1", IPAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-seen:
		if job.DocumentID != "doc-1" || job.IPAddress != "10.0.0.1" {
			t.Fatalf("job = %+v", job)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job was never retried")
	}
	d := waitForState(t, q, "job-1", StateDone)
	if d.Attempts != 2 || d.DocumentID != "doc-1" {
		t.Fatalf("delivery = %+v, want 2 attempts on doc-1", d)
	}
}

func TestRedisJobQueueDeadLettersAfterMaxRetries(t *testing.T) {
	q, _ := newTestRedisQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})
	if err := q.Enqueue(ctx, Job{ID: "job-2", DocumentID: "doc-2", UserID: "user-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := waitForState(t, q, "job-2", StateDead)
	if d.LastError != "store unavailable" {
		t.Fatalf("lastError = %q", d.LastError)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
	dead, err := q.rdb.XRange(ctx, q.deadStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(dead) != 1 || dead[0].Values["document_id"] != "doc-2" {
		t.Fatalf("dead stream = %+v", dead)
	}
	if n, _ := q.rdb.XLen(ctx, q.cfg.Stream).Result(); n != 0 {
		t.Fatalf("stream length = %d, want 0", n)
	}
}

func TestRedisJobQueueDropsMalformedEntries(t *testing.T) {
	q, _ := newTestRedisQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		return nil
	})
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.Stream, Values: map[string]any{"job_id": "x"}}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := q.rdb.XLen(ctx, q.cfg.Stream).Result()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("malformed entry still in stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler called for malformed entry")
	}
}

func TestRedisJobQueueValidatesJobs(t *testing.T) {
	q, _ := newTestRedisQueue(t, 1)
	if err := q.Enqueue(context.Background(), Job{UserID: "u"}); err == nil {
		t.Fatal("expected error for missing documentId")
	}
	if _, err := NewRedisJobQueue(RedisQueueConfig{Addr: "localhost:6379"}); err == nil {
		t.Fatal("expected error for missing stream")
	}
}
