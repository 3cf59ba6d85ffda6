package queue

import (
	"context"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/report"
)

// Grader grades submissions
type Grader interface {
	Grade(ctx context.Context, sub grader.Submission, opts grader.Options) ([]grader.Outcome, error)
}

// GraderHandler returns a JobHandler that grades jobs with g
func GraderHandler(g Grader) JobHandler {
	return func(ctx context.Context, job *GradeJob) (*GradeOutcome, error) {
		outcomes, err := g.Grade(ctx, grader.Submission{
			CellID:     job.CellID,
			Source:     job.Source,
			ModuleHint: job.Module,
			Context:    job.Context,
		}, grader.Options{
			Isolate:           job.Isolate,
			Timeout:           job.Timeout(),
			SuppressTraceback: job.SuppressTraceback,
		})
		if err != nil {
			return nil, err
		}

		reports := make([]*report.Report, 0, len(outcomes))
		for _, o := range outcomes {
			reports = append(reports, o.Report)
		}
		return &GradeOutcome{
			CellID:  job.CellID,
			Status:  StatusCompleted,
			Reports: reports,
		}, nil
	}
}

// jobContext bounds a job by its own timeout plus a grace period for
// rendering and publishing
func jobContext(ctx context.Context, job *GradeJob) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, job.Timeout()+5*time.Second)
}
