//go:build integration

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/queue"
)

// setupRabbitMQ starts a RabbitMQ container and returns its AMQP URL
func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management")
	if err != nil {
		t.Fatalf("failed to start RabbitMQ container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	amqpURL, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("failed to get AMQP URL: %v", err)
	}
	return amqpURL
}

func connect(t *testing.T, url string) *queue.Connection {
	t.Helper()
	conn, err := queue.NewConnection(context.Background(), url, queue.DefaultConnectionConfig())
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIntegration_Connection_ConnectAndClose(t *testing.T) {
	conn := connect(t, setupRabbitMQ(t))
	if !conn.IsConnected() {
		t.Error("expected connection to be active")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestIntegration_Connection_InvalidURL(t *testing.T) {
	_, err := queue.NewConnection(context.Background(), "amqp://invalid:5672", queue.ConnectionConfig{
		DialAttempts: 2,
		DialDelay:    10 * time.Millisecond,
	})
	if err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestIntegration_GradeRoundTrip(t *testing.T) {
	url := setupRabbitMQ(t)

	workerConn := connect(t, url)
	cfg := config.DefaultLocalConfig()
	cfg.Grading.TestsDir = "testdata"

	consumer := queue.NewConsumer(workerConn, queue.GraderHandler(grader.FromConfig(cfg)), queue.ConsumerConfig{Workers: 2})
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("consumer Start() error = %v", err)
	}
	defer consumer.Stop()

	clientConn := connect(t, url)
	outcomes := queue.NewOutcomeConsumer(clientConn)
	if err := outcomes.Start(context.Background()); err != nil {
		t.Fatalf("outcome consumer Start() error = %v", err)
	}
	defer outcomes.Stop()

	job := queue.NewGradeJob("cell-1", `func solution_add_one(lst []int) []int {
	out := make([]int, len(lst))
	for i, x := range lst {
		out[i] = x + 1
	}
	return out
}`, "functions")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type awaited struct {
		outcome *queue.GradeOutcome
		err     error
	}
	done := make(chan awaited, 1)
	go func() {
		o, err := outcomes.Await(ctx, job.ID)
		done <- awaited{o, err}
	}()
	// give Await time to subscribe
	time.Sleep(100 * time.Millisecond)

	if err := queue.NewProducer(clientConn).PublishGradeJob(ctx, job); err != nil {
		t.Fatalf("PublishGradeJob() error = %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Await() error = %v", res.err)
	}
	if res.outcome.Status != queue.StatusCompleted {
		t.Fatalf("Status = %q, error = %q", res.outcome.Status, res.outcome.Error)
	}
	if len(res.outcome.Reports) != 1 || !res.outcome.Reports[0].AllPassed() {
		t.Errorf("reports = %+v", res.outcome.Reports)
	}
}

func TestIntegration_FailedJob(t *testing.T) {
	url := setupRabbitMQ(t)
	conn := connect(t, url)

	cfg := config.DefaultLocalConfig()
	cfg.Grading.TestsDir = "testdata"
	consumer := queue.NewConsumer(conn, queue.GraderHandler(grader.FromConfig(cfg)), queue.DefaultConsumerConfig())
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("consumer Start() error = %v", err)
	}
	defer consumer.Stop()

	outcomes := queue.NewOutcomeConsumer(conn)
	if err := outcomes.Start(context.Background()); err != nil {
		t.Fatalf("outcome consumer Start() error = %v", err)
	}
	defer outcomes.Stop()

	job := queue.NewGradeJob("cell-1", `func solution_x() int { return 1 }`, "missing")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got := make(chan *queue.GradeOutcome, 1)
	outcomes.Subscribe(job.ID, func(o *queue.GradeOutcome) { got <- o })
	defer outcomes.Unsubscribe(job.ID)

	if err := queue.NewProducer(conn).PublishGradeJob(ctx, job); err != nil {
		t.Fatalf("PublishGradeJob() error = %v", err)
	}

	select {
	case o := <-got:
		if o.Status != queue.StatusFailed || o.Error == "" {
			t.Errorf("outcome = %+v", o)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for outcome")
	}
}
