package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrQueueFull is returned by Enqueue when the queue cannot accept more jobs.
var ErrQueueFull = errors.New("queue full")

// Job asks a worker to analyze one uploaded document.
type Job struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	IPAddress  string `json:"ipAddress,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

func (j Job) validate() error {
	if j.DocumentID == "" {
		return errors.New("documentId required")
	}
	if j.UserID == "" {
		return errors.New("userId required")
	}
	return nil
}

// Handler processes one job. A returned error makes the queue retry the job
// when the backend supports retries.
type Handler func(ctx context.Context, job Job) error

// Queue hands document jobs to a bounded pool of workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Start launches concurrency workers that run until ctx is cancelled.
	Start(ctx context.Context, concurrency int, handler Handler)
}

// safeHandle runs handler and turns a panic into an error so one bad
// document cannot take a worker down.
func safeHandle(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue_handler_panic", "job_id", job.ID, "document_id", job.DocumentID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
