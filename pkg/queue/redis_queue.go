package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Delivery states recorded per job next to the stream entry.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateRetrying = "retrying"
	StateDone     = "done"
	StateDead     = "dead"
)

// Delivery is the tracked lifecycle of one job in the redis queue.
type Delivery struct {
	JobID      string
	DocumentID string
	State      string
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// MaxRetries caps handler attempts per job before it is dead-lettered.
	MaxRetries int
	Block      time.Duration
	// RetryAfter is how long a failed or orphaned entry stays pending
	// before any consumer may reclaim it.
	RetryAfter time.Duration
	StateTTL   time.Duration
}

// RedisJobQueue distributes jobs over a redis stream consumer group so that
// API and worker processes share one backlog. A failed job is left pending
// and picked up again by XAUTOCLAIM; after MaxRetries attempts it is moved
// to "<stream>:dead".
type RedisJobQueue struct {
	rdb       *redis.Client
	cfg       RedisQueueConfig
	groupOnce sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Stream = strings.TrimSpace(cfg.Stream)
	if cfg.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("queue stream required")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		cfg.Group = "analysis-workers"
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		cfg.Consumer = uuid.NewString()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	return &RedisJobQueue{
		rdb: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
		cfg: cfg,
	}, nil
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		q.setState(ctx, p, job.ID, StateQueued, map[string]any{"documentId": job.DocumentID})
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			MaxLen: 10000,
			Approx: true,
			Values: encodeJob(job),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Start runs concurrency consumers, each named "<consumer>-<n>" in the group.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.groupOnce.Do(func() {
		err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue_group_create_failed", "stream", q.cfg.Stream, "err", err)
		}
	})
	for i := range concurrency {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

func (q *RedisJobQueue) Close() error {
	return q.rdb.Close()
}

// Delivery reports the tracked state of a job. ok is false once the state
// has expired or was never written.
func (q *RedisJobQueue) Delivery(ctx context.Context, jobID string) (d Delivery, ok bool, err error) {
	fields, err := q.rdb.HGetAll(ctx, q.stateKey(jobID)).Result()
	if err != nil || len(fields) == 0 {
		return Delivery{}, false, err
	}
	d = Delivery{
		JobID:      jobID,
		DocumentID: fields["documentId"],
		State:      fields["state"],
		LastError:  fields["lastError"],
	}
	d.Attempts, _ = strconv.Atoi(fields["attempts"])
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updatedAt"])
	return d, true, nil
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		for _, msg := range q.reclaim(ctx, consumer) {
			q.deliver(ctx, msg, handler)
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    10,
			Block:    q.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue_read_failed", "stream", q.cfg.Stream, "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.deliver(ctx, msg, handler)
			}
		}
	}
}

// reclaim takes over entries that failed or whose consumer died.
func (q *RedisJobQueue) reclaim(ctx context.Context, consumer string) []redis.XMessage {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumer,
		MinIdle:  q.cfg.RetryAfter,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		slog.Warn("queue_reclaim_failed", "stream", q.cfg.Stream, "err", err)
	}
	return msgs
}

func (q *RedisJobQueue) deliver(ctx context.Context, msg redis.XMessage, handler Handler) {
	job := decodeJob(msg.Values)
	if job.ID == "" || job.validate() != nil {
		slog.Warn("queue_message_malformed", "stream", q.cfg.Stream, "msg_id", msg.ID)
		q.settle(ctx, msg.ID, job, "", nil)
		return
	}

	attempts, err := q.rdb.HIncrBy(ctx, q.stateKey(job.ID), "attempts", 1).Result()
	if err != nil {
		// Left pending; reclaimed after RetryAfter.
		slog.Warn("queue_attempt_count_failed", "job_id", job.ID, "err", err)
		return
	}
	if int(attempts) > q.cfg.MaxRetries {
		q.settle(ctx, msg.ID, job, StateDead, map[string]any{"lastError": "attempts exhausted"})
		return
	}
	q.setState(ctx, q.rdb, job.ID, StateRunning, nil)

	err = safeHandle(ctx, handler, job)
	switch {
	case err == nil:
		q.settle(ctx, msg.ID, job, StateDone, map[string]any{"lastError": ""})
	case int(attempts) >= q.cfg.MaxRetries:
		slog.Warn("queue_job_dead", "job_id", job.ID, "document_id", job.DocumentID, "attempts", attempts, "err", err)
		q.settle(ctx, msg.ID, job, StateDead, map[string]any{"lastError": err.Error()})
	default:
		slog.Info("queue_job_retrying", "job_id", job.ID, "document_id", job.DocumentID, "attempts", attempts, "err", err)
		q.setState(ctx, q.rdb, job.ID, StateRetrying, map[string]any{"lastError": err.Error()})
	}
}

// settle acknowledges and removes the entry, dead-lettering it when state is StateDead.
func (q *RedisJobQueue) settle(ctx context.Context, msgID string, job Job, state string, extra map[string]any) {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if state == StateDead {
			values := encodeJob(job)
			values["error"] = extra["lastError"]
			p.XAdd(ctx, &redis.XAddArgs{Stream: q.deadStream(), Values: values})
		}
		p.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
		p.XDel(ctx, q.cfg.Stream, msgID)
		if state != "" {
			q.setState(ctx, p, job.ID, state, extra)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("queue_settle_failed", "job_id", job.ID, "msg_id", msgID, "err", err)
	}
}

func (q *RedisJobQueue) setState(ctx context.Context, c redis.Cmdable, jobID, state string, extra map[string]any) {
	fields := map[string]any{
		"state":     state,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		fields[k] = v
	}
	key := q.stateKey(jobID)
	c.HSet(ctx, key, fields)
	c.Expire(ctx, key, q.cfg.StateTTL)
}

func (q *RedisJobQueue) stateKey(jobID string) string {
	return q.cfg.Stream + ":job:" + jobID
}

func (q *RedisJobQueue) deadStream() string {
	return q.cfg.Stream + ":dead"
}

func encodeJob(job Job) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"document_id": job.DocumentID,
		"user_id":     job.UserID,
		"ip_address":  job.IPAddress,
		"user_agent":  job.UserAgent,
	}
}

func decodeJob(values map[string]any) Job {
	get := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	return Job{
		ID:         get("job_id"),
		DocumentID: get("document_id"),
		UserID:     get("user_id"),
		IPAddress:  get("ip_address"),
		UserAgent:  get("user_agent"),
	}
}
