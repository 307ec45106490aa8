package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptsHeader = "x-attempts"

// AMQPQueueConfig configures the RabbitMQ backend.
type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
}

// AMQPQueue is a Queue backed by a durable RabbitMQ queue. Retries are
// republished with an attempt counter header.
type AMQPQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	queue      string
	maxRetries int
}

// NewAMQPQueue dials the broker and declares the queue.
func NewAMQPQueue(cfg AMQPQueueConfig) (*AMQPQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("queue name required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPQueue{conn: conn, pub: ch, queue: name, maxRetries: maxRetries}, nil
}

// Enqueue publishes a persistent job message.
func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return q.publish(ctx, job, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, job Job, attempts int32) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptsHeader: attempts},
		Body:         body,
	})
}

// Start opens a consuming channel with prefetch equal to concurrency and
// runs that many workers over it.
func (q *AMQPQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		slog.Error("queue_consume_failed", "queue", q.queue, "err", err)
		return
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("queue_consume_failed", "queue", q.queue, "err", err)
		ch.Close()
		return
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("queue_consume_failed", "queue", q.queue, "err", err)
		ch.Close()
		return
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	for i := 0; i < concurrency; i++ {
		go func() {
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.validate() != nil {
		slog.Warn("queue_message_malformed", "queue", q.queue, "msg_id", d.MessageId)
		_ = d.Ack(false)
		return
	}
	attempts := deliveryAttempts(d) + 1
	err := safeHandle(ctx, handler, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if int(attempts) >= q.maxRetries {
		slog.Warn("queue_job_failed", "job_id", job.ID, "document_id", job.DocumentID, "attempts", attempts, "err", err)
		_ = d.Ack(false)
		return
	}
	if perr := q.publish(ctx, job, attempts); perr != nil {
		// Leave the original for redelivery.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func deliveryAttempts(d amqp.Delivery) int32 {
	switch v := d.Headers[attemptsHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}

// Close closes the broker connection.
func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
