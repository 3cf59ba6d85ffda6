// Package queue moves grading jobs through RabbitMQ: producers publish
// GradeJobs, a worker pool grades them and publishes GradeOutcomes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/cellgrade/internal/report"
)

// Queue names
const (
	GradeQueueName   = "cellgrade.grades"
	OutcomeQueueName = "cellgrade.outcomes"
)

// Outcome statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// GradeJob is a cell submitted for grading
type GradeJob struct {
	ID                uuid.UUID         `json:"id"`
	CellID            string            `json:"cell_id"`
	Source            string            `json:"source"`
	Module            string            `json:"module,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
	Isolate           bool              `json:"isolate"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	SuppressTraceback bool              `json:"suppress_traceback,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Timeout returns the job deadline, defaulting to 30 seconds
func (j *GradeJob) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// GradeOutcome is the result of a grade job
type GradeOutcome struct {
	JobID       uuid.UUID        `json:"job_id"`
	CellID      string           `json:"cell_id,omitempty"`
	Status      string           `json:"status"`
	Reports     []*report.Report `json:"reports,omitempty"`
	Error       string           `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Publisher publishes JSON messages to a named queue
type Publisher interface {
	PublishJSON(ctx context.Context, queue string, data any) error
}

// ConnectionConfig tunes dialing and publishing
type ConnectionConfig struct {
	DialAttempts int
	DialDelay    time.Duration
}

// DefaultConnectionConfig returns the dial defaults
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		DialAttempts: 5,
		DialDelay:    time.Second,
	}
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url     string
	dialer  retry.Retry[*amqp.Connection]
	breaker circuitbreaker.CircuitBreaker[struct{}]

	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	closed     bool
	reconnects int
}

// NewConnection dials RabbitMQ and declares the grading queues
func NewConnection(ctx context.Context, url string, cfg ConnectionConfig) (*Connection, error) {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = time.Second
	}

	c := &Connection{
		url: url,
		dialer: retry.New[*amqp.Connection](retry.Config{
			MaxAttempts:   cfg.DialAttempts,
			InitialDelay:  cfg.DialDelay,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
		breaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("queue publish breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect(ctx context.Context) error {
	conn, err := c.dialer.Do(ctx, func(ctx context.Context) (*amqp.Connection, error) {
		return amqp.Dial(c.url)
	})
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := declareQueues(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	go c.handleReconnect(conn)

	slog.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name string
		ttl  int32
	}{
		{GradeQueueName, 300000},
		{OutcomeQueueName, 60000},
	}
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-message-ttl": q.ttl},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

// handleReconnect redials when the broker drops the connection
func (c *Connection) handleReconnect(conn *amqp.Connection) {
	err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	reconnects := c.reconnects
	c.mu.Unlock()

	slog.Warn("RabbitMQ connection closed, reconnecting", "error", err, "reconnects", reconnects)

	if err := c.connect(context.Background()); err != nil {
		slog.Error("failed to reconnect to RabbitMQ", "error", err)
	}
}

// Channel returns the current channel
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close closes the channel and connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected reports whether the connection is open
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a persistent JSON message to a queue
func (c *Connection) PublishJSON(ctx context.Context, queue string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = c.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		ch := c.Channel()
		if ch == nil {
			return struct{}{}, fmt.Errorf("no open channel")
		}
		return struct{}{}, ch.PublishWithContext(ctx,
			"",    // exchange
			queue, // routing key
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
	})
	return err
}

// sanitizeURL drops credentials from a broker URL for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	u.User = nil
	return u.String()
}
