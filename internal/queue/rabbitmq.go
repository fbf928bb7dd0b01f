package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
)

// RabbitMQ keeps jobs in a durable queue. Retries are published to a delay
// queue whose expired messages are dead-lettered back to the main queue.
type RabbitMQ struct {
	opts       Options
	now        func() time.Time
	queue      string
	delayQueue string

	conn    *amqp091.Connection
	pubMu   sync.Mutex
	pub     *amqp091.Channel
	consume *amqp091.Channel
	tag     string

	mu      sync.Mutex
	handler Handler
	failed  []FailedHandler
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active    atomic.Int64
	processed atomic.Int64
	failedN   atomic.Int64
	retried   atomic.Int64
	evicted   atomic.Int64
}

// DialRabbitMQ connects and declares the main and delay queues.
func DialRabbitMQ(url, queue string, opts Options) (*RabbitMQ, error) {
	if url == "" {
		return nil, errors.New("RabbitMQ URL is empty")
	}
	if queue == "" {
		queue = "crmsync_webhooks"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	q := &RabbitMQ{
		opts:       opts.withDefaults(),
		now:        time.Now,
		queue:      queue,
		delayQueue: queue + "_delay",
		conn:       conn,
		pub:        pub,
		tag:        "crmsync-" + uuid.NewString(),
	}
	if err := q.declare(pub); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("queue", q.queue).Str("delayQueue", q.delayQueue).Msg("RabbitMQ connection established.")
	return q, nil
}

func (q *RabbitMQ) declare(ch *amqp091.Channel) error {
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare RabbitMQ queue %s: %w", q.queue, err)
	}
	args := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}
	if _, err := ch.QueueDeclare(q.delayQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("could not declare RabbitMQ queue %s: %w", q.delayQueue, err)
	}
	return nil
}

func (q *RabbitMQ) OnProcess(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

func (q *RabbitMQ) OnFailed(h FailedHandler) {
	q.mu.Lock()
	q.failed = append(q.failed, h)
	q.mu.Unlock()
}

func (q *RabbitMQ) Enqueue(ctx context.Context, provider models.Provider, payload string) (*models.WebhookJob, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("enqueue: unknown provider %q", provider)
	}
	job := &models.WebhookJob{
		ID:          uuid.NewString(),
		Provider:    provider,
		Payload:     payload,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   q.now(),
	}
	msg, err := jobPublishing(job, 0)
	if err != nil {
		return nil, err
	}
	if err := q.publish(ctx, q.queue, msg); err != nil {
		return nil, err
	}
	log.Debug().Str("jobID", job.ID).Str("provider", string(provider)).Msg("Webhook job published to RabbitMQ")
	return job, nil
}

func (q *RabbitMQ) publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// jobPublishing encodes a job. A positive delay sets the per-message TTL used
// by the delay queue.
func jobPublishing(job *models.WebhookJob, delay time.Duration) (amqp091.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.CreatedAt,
		Body:         body,
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return msg, nil
}

// Start consumes the main queue with prefetch equal to the concurrency.
func (q *RabbitMQ) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handler == nil {
		return errors.New("queue: no process handler registered")
	}
	if q.running {
		return nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open RabbitMQ consumer channel: %w", err)
	}
	if err := ch.Qos(q.opts.Concurrency, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set RabbitMQ prefetch: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, q.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}
	q.consume = ch
	jobsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.running = true

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for d := range deliveries {
				q.handle(jobsCtx, d)
			}
		}()
	}
	log.Info().Str("queue", q.queue).Int("prefetch", q.opts.Concurrency).Msg("RabbitMQ webhook queue started")
	return nil
}

func (q *RabbitMQ) handle(ctx context.Context, d amqp091.Delivery) {
	var job models.WebhookJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Str("messageID", d.MessageId).Msg("Dropping undecodable webhook job")
		d.Ack(false)
		return
	}
	if q.now().Sub(job.CreatedAt) > q.opts.MaxJobAge {
		q.evicted.Add(1)
		log.Warn().Str("jobID", job.ID).Time("createdAt", job.CreatedAt).Msg("Dropping stale webhook job")
		d.Ack(false)
		return
	}

	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()

	q.active.Add(1)
	err := safeHandle(ctx, handler, &job)
	q.active.Add(-1)
	if err == nil {
		q.processed.Add(1)
		d.Ack(false)
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Attempts, q.opts.RetryBase, q.opts.RetryCap)
		retryAt := q.now().Add(delay)
		job.RetryAfter = &retryAt
		msg, encErr := jobPublishing(&job, delay)
		if encErr == nil {
			encErr = q.publish(ctx, q.delayQueue, msg)
		}
		if encErr != nil {
			// Requeue the original; the retry copy was never published.
			d.Nack(false, true)
			return
		}
		q.retried.Add(1)
		d.Ack(false)
		log.Warn().Err(err).Str("jobID", job.ID).Int("attempts", job.Attempts).Dur("delay", delay).Msg("Webhook job failed, will retry")
		return
	}

	q.failedN.Add(1)
	d.Ack(false)
	log.Error().Err(err).Str("jobID", job.ID).Int("attempts", job.Attempts).Msg("Webhook job failed permanently")
	q.mu.Lock()
	failed := append([]FailedHandler(nil), q.failed...)
	q.mu.Unlock()
	for _, h := range failed {
		h(job, err)
	}
}

// Stop cancels the consumer, waits for in-flight jobs and closes the connection.
func (q *RabbitMQ) Stop(ctx context.Context) error {
	q.mu.Lock()
	running := q.running
	q.running = false
	q.mu.Unlock()

	if running {
		if err := q.consume.Cancel(q.tag, false); err != nil {
			log.Warn().Err(err).Msg("Could not cancel RabbitMQ consumer")
		}
		finished := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			q.cancel()
			return fmt.Errorf("queue stop: %w", ctx.Err())
		}
		q.cancel()
	}
	if err := q.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close RabbitMQ connection: %w", err)
	}
	log.Info().Msg("RabbitMQ webhook queue stopped")
	return nil
}

// Stats reports counters for this process; Pending is the broker's ready count.
func (q *RabbitMQ) Stats() Stats {
	s := Stats{
		Backend:   "rabbitmq",
		Active:    int(q.active.Load()),
		Processed: q.processed.Load(),
		Failed:    q.failedN.Load(),
		Retried:   q.retried.Load(),
		Evicted:   q.evicted.Load(),
	}
	// A failed passive declare closes its channel, so inspect on a throwaway one.
	ch, err := q.conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("Could not open RabbitMQ channel for stats")
		return s
	}
	defer ch.Close()
	if info, err := ch.QueueDeclarePassive(q.queue, true, false, false, false, nil); err == nil {
		s.Pending = info.Messages
	} else {
		log.Warn().Err(err).Str("queue", q.queue).Msg("Could not inspect RabbitMQ queue")
	}
	return s
}
