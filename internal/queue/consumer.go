package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobHandler grades one job
type JobHandler func(ctx context.Context, job *GradeJob) (*GradeOutcome, error)

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int // concurrent workers
	Prefetch int // unacked deliveries per consumer
}

// DefaultConsumerConfig returns the worker defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  3,
		Prefetch: 1,
	}
}

// Consumer runs a pool of workers over the grade queue
type Consumer struct {
	conn       *Connection
	handler    JobHandler
	producer   *Producer
	workers    int
	prefetch   int
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewConsumer creates a consumer that publishes outcomes on the same connection
func NewConsumer(conn *Connection, handler JobHandler, cfg ConsumerConfig) *Consumer {
	c := newConsumer(conn, handler, cfg)
	c.conn = conn
	return c
}

func newConsumer(pub Publisher, handler JobHandler, cfg ConsumerConfig) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		handler:  handler,
		producer: NewProducer(pub),
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
	}
}

// Start begins consuming with the configured number of workers
func (c *Consumer) Start(ctx context.Context) error {
	ch := c.conn.Channel()
	if ch == nil {
		return fmt.Errorf("queue connection has no open channel")
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		GradeQueueName,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	ctx, c.cancelFunc = context.WithCancel(ctx)
	c.run(ctx, msgs)
	return nil
}

func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	slog.Info("starting grade consumer", "workers", c.workers, "prefetch", c.prefetch)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping", "worker_id", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				slog.Info("delivery channel closed", "worker_id", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage grades one delivery, publishes its outcome and acks it.
// Malformed messages are rejected without requeue.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	start := time.Now()

	var job GradeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		slog.Error("failed to unmarshal grade job", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)
		return
	}
	if job.ID == uuid.Nil {
		slog.Error("grade job without id", "worker_id", workerID)
		_ = msg.Reject(false)
		return
	}

	slog.Info("processing grade job", "worker_id", workerID, "job_id", job.ID, "cell", job.CellID)

	jobCtx, cancel := jobContext(ctx, &job)
	defer cancel()

	outcome, err := c.handler(jobCtx, &job)
	duration := time.Since(start)

	if err != nil {
		slog.Error("grade job failed", "worker_id", workerID, "job_id", job.ID, "error", err, "duration", duration)
		outcome = &GradeOutcome{
			Status: StatusFailed,
			Error:  err.Error(),
		}
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			outcome.Status = StatusTimeout
			outcome.Error = "grading timed out"
		}
	} else if outcome.Status == "" {
		outcome.Status = StatusCompleted
	}
	outcome.JobID = job.ID
	if outcome.CellID == "" {
		outcome.CellID = job.CellID
	}
	outcome.Duration = duration
	outcome.CompletedAt = time.Now()

	if err := c.producer.PublishOutcome(ctx, outcome); err != nil {
		slog.Error("failed to publish outcome", "worker_id", workerID, "job_id", job.ID, "error", err)
		// redeliver so the outcome is not lost
		_ = msg.Nack(false, true)
		return
	}

	if err := msg.Ack(false); err != nil {
		slog.Error("failed to ack message", "worker_id", workerID, "job_id", job.ID, "error", err)
	}
}

// Stop cancels the workers and waits for in-flight jobs
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	slog.Info("grade consumer stopped")
}

// OutcomeHandler receives the outcome of one job
type OutcomeHandler func(outcome *GradeOutcome)

// OutcomeConsumer dispatches outcomes to per-job subscribers
type OutcomeConsumer struct {
	conn       *Connection
	handlers   map[uuid.UUID]OutcomeHandler
	handlersMu sync.RWMutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewOutcomeConsumer creates an outcome consumer
func NewOutcomeConsumer(conn *Connection) *OutcomeConsumer {
	return &OutcomeConsumer{
		conn:     conn,
		handlers: make(map[uuid.UUID]OutcomeHandler),
	}
}

// Subscribe registers a handler for the outcome of a job
func (oc *OutcomeConsumer) Subscribe(jobID uuid.UUID, handler OutcomeHandler) {
	oc.handlersMu.Lock()
	defer oc.handlersMu.Unlock()
	oc.handlers[jobID] = handler
}

// Unsubscribe removes a handler
func (oc *OutcomeConsumer) Unsubscribe(jobID uuid.UUID) {
	oc.handlersMu.Lock()
	defer oc.handlersMu.Unlock()
	delete(oc.handlers, jobID)
}

// Await blocks until the outcome of jobID arrives or ctx is done.
// Subscribe before publishing the job so the outcome cannot be missed.
func (oc *OutcomeConsumer) Await(ctx context.Context, jobID uuid.UUID) (*GradeOutcome, error) {
	done := make(chan *GradeOutcome, 1)
	oc.Subscribe(jobID, func(o *GradeOutcome) {
		select {
		case done <- o:
		default:
		}
	})
	defer oc.Unsubscribe(jobID)

	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await outcome %s: %w", jobID, ctx.Err())
	}
}

// Start begins consuming outcomes
func (oc *OutcomeConsumer) Start(ctx context.Context) error {
	ch := oc.conn.Channel()
	if ch == nil {
		return fmt.Errorf("queue connection has no open channel")
	}

	msgs, err := ch.Consume(
		OutcomeQueueName,
		"",    // consumer tag
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start outcome consumer: %w", err)
	}

	ctx, oc.cancelFunc = context.WithCancel(ctx)
	oc.wg.Add(1)
	go oc.consume(ctx, msgs)
	return nil
}

func (oc *OutcomeConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer oc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			oc.dispatch(msg.Body)
		}
	}
}

func (oc *OutcomeConsumer) dispatch(body []byte) {
	var outcome GradeOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		slog.Error("failed to unmarshal grade outcome", "error", err)
		return
	}

	oc.handlersMu.RLock()
	handler, ok := oc.handlers[outcome.JobID]
	oc.handlersMu.RUnlock()

	if ok {
		handler(&outcome)
	}
}

// Stop stops the outcome consumer
func (oc *OutcomeConsumer) Stop() {
	if oc.cancelFunc != nil {
		oc.cancelFunc()
	}
	oc.wg.Wait()
}
