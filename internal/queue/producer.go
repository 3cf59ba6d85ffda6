package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Producer publishes grade jobs and outcomes
type Producer struct {
	pub Publisher
}

// NewProducer creates a producer on a publisher, normally a *Connection
func NewProducer(pub Publisher) *Producer {
	return &Producer{pub: pub}
}

// PublishGradeJob publishes a job, filling in its ID and timestamp
func (p *Producer) PublishGradeJob(ctx context.Context, job *GradeJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, GradeQueueName, job); err != nil {
		return fmt.Errorf("publish grade job: %w", err)
	}

	slog.Info("published grade job", "job_id", job.ID, "cell", job.CellID, "module", job.Module)
	return nil
}

// PublishOutcome publishes the outcome of a job
func (p *Producer) PublishOutcome(ctx context.Context, outcome *GradeOutcome) error {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, OutcomeQueueName, outcome); err != nil {
		return fmt.Errorf("publish grade outcome: %w", err)
	}

	slog.Info("published grade outcome",
		"job_id", outcome.JobID,
		"status", outcome.Status,
		"duration", outcome.Duration,
	)
	return nil
}

// NewGradeJob creates a job for a cell
func NewGradeJob(cellID, source, module string) *GradeJob {
	return &GradeJob{
		ID:        uuid.New(),
		CellID:    cellID,
		Source:    source,
		Module:    module,
		Isolate:   true,
		CreatedAt: time.Now(),
	}
}
