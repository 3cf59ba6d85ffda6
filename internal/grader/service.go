// Package grader orchestrates grading of a notebook cell: execute, extract
// solution functions, locate the hidden suite, run each candidate, count
// attempts and render reports.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/attempts"
	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/extract"
	"github.com/felixgeelhaar/cellgrade/internal/locator"
	"github.com/felixgeelhaar/cellgrade/internal/report"
	"github.com/felixgeelhaar/cellgrade/internal/runner"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

// Submission is one executed notebook cell
type Submission struct {
	CellID     string            `json:"cell_id"`
	Source     string            `json:"source"`
	ModuleHint string            `json:"module,omitempty"`
	Context    map[string]string `json:"context,omitempty"`

	// Namespace is what the host's execution of Source produced. When nil the
	// service executes Source itself.
	Namespace extract.Namespace `json:"-"`
	// ExecErr is the error the host reported executing the cell, if any.
	ExecErr error `json:"-"`
}

// Options control one grading call
type Options struct {
	Isolate           bool          `json:"isolate"`
	Timeout           time.Duration `json:"timeout"`
	SuppressTraceback bool          `json:"suppress_traceback"`
}

// Outcome pairs a grading result with its report
type Outcome struct {
	Result *domain.GradingResult
	Report *report.Report
}

// Recorder persists grading results
type Recorder interface {
	Record(ctx context.Context, result *domain.GradingResult) error
}

// Service grades submissions
type Service struct {
	locator  *locator.Locator
	runner   *runner.Service
	tracker  *attempts.Tracker
	renderer report.Renderer
	executor suite.Evaluator
	recorder Recorder
}

// NewService creates a grading service. executor runs cells submitted
// without a namespace and may be nil when hosts always provide one.
func NewService(loc *locator.Locator, run *runner.Service, tracker *attempts.Tracker, renderer report.Renderer, executor suite.Evaluator) *Service {
	return &Service{
		locator:  loc,
		runner:   run,
		tracker:  tracker,
		renderer: renderer,
		executor: executor,
	}
}

// SetRecorder installs a recorder for grading history
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// Tracker returns the attempt tracker
func (s *Service) Tracker() *attempts.Tracker {
	return s.tracker
}

// Runner returns the test runner
func (s *Service) Runner() *runner.Service {
	return s.runner
}

// Renderer returns the report renderer
func (s *Service) Renderer() report.Renderer {
	return s.renderer
}

// Grade grades every solution function of a submission. Problems with the
// cell itself come back as a single cell-level outcome; a module that cannot
// be located is returned as an error.
func (s *Service) Grade(ctx context.Context, sub Submission, opts Options) ([]Outcome, error) {
	if sub.ExecErr != nil {
		return s.cellOutcome(ctx, sub, domain.StatusCompileError, asCompileError(sub.ExecErr)), nil
	}

	ns := sub.Namespace
	if ns == nil {
		if s.executor == nil {
			return nil, fmt.Errorf("%w: submission has no namespace and no executor is configured", domain.ErrInvalidInput)
		}
		var err error
		ns, err = s.execute(ctx, sub.Source, opts)
		if err != nil {
			var compileErr *domain.CompileError
			switch {
			case errors.As(err, &compileErr):
				return s.cellOutcome(ctx, sub, domain.StatusCompileError, compileErr), nil
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return s.cellOutcome(ctx, sub, domain.StatusUnknownError,
					fmt.Errorf("%w after %s running the cell", domain.ErrGradingTimeout, opts.Timeout)), nil
			}
			return nil, fmt.Errorf("execute cell: %w", err)
		}
	}
	cellOutput := outputOf(ns)

	candidates, err := extract.Extract(sub.Source, ns)
	if err != nil {
		return s.cellOutcome(ctx, sub, domain.StatusCompileError, err), nil
	}
	if len(candidates) == 0 {
		return s.cellOutcome(ctx, sub, domain.StatusSolutionMissing, domain.ErrSolutionMissing), nil
	}

	module, err := s.locator.Resolve(sub.ModuleHint, sub.Context)
	if err != nil {
		return nil, err
	}

	exercises := make([]string, 0, len(candidates))
	for ex := range candidates {
		exercises = append(exercises, ex)
	}
	sort.Strings(exercises)

	outcomes := make([]Outcome, 0, len(exercises))
	for _, ex := range exercises {
		out := s.gradeCandidate(ctx, sub, module, candidates[ex], opts)
		if cellOutput != "" {
			out.Result.Log = "cell output:\n" + cellOutput + out.Result.Log
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// execute runs the cell with the executor. Isolated grading bounds the run
// by the grading timeout as well.
func (s *Service) execute(ctx context.Context, source string, opts Options) (extract.Namespace, error) {
	if opts.Isolate && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return s.executor.Evaluate(ctx, source)
}

// outputOf returns what an executed cell printed, if its namespace kept it
func outputOf(ns extract.Namespace) string {
	if o, ok := ns.(interface{ Output() string }); ok {
		return o.Output()
	}
	return ""
}

func (s *Service) gradeCandidate(ctx context.Context, sub Submission, module domain.ExerciseModule, c domain.CandidateFunction, opts Options) Outcome {
	runOpts := []runner.RunOption{runner.SuppressTraceback(opts.SuppressTraceback)}

	var result *domain.GradingResult
	if opts.Isolate {
		result = s.runner.RunIsolated(ctx, module, c, opts.Timeout, runOpts...)
	} else {
		result = s.runner.Run(ctx, module, c, runOpts...)
	}
	result.CellID = sub.CellID

	if result.Status == domain.StatusFinished {
		result.AttemptCount = s.tracker.Increment(sub.CellID, c.Exercise)
	} else {
		result.AttemptCount = s.tracker.Get(sub.CellID, c.Exercise)
	}

	passed, notPassed := result.Counts()
	slog.Info("graded",
		"cell", sub.CellID,
		"exercise", c.Exercise,
		"module", module.Name,
		"status", result.Status,
		"passed", passed,
		"failed", notPassed,
		"attempt", result.AttemptCount,
		"duration", result.Duration,
	)

	s.record(ctx, result)
	return Outcome{
		Result: result,
		Report: s.renderer.Render(result, result.AttemptCount, result.ReferenceSolution),
	}
}

// cellOutcome reports a problem with the cell as a whole. It never counts as
// an attempt.
func (s *Service) cellOutcome(ctx context.Context, sub Submission, status domain.Status, err error) []Outcome {
	result := domain.NewGradingResult(sub.CellID, nil, status)
	result.Errors = []error{err}
	result.Module.Name = locator.ModuleName(sub.ModuleHint, sub.Context)

	slog.Info("cell not graded", "cell", sub.CellID, "status", status, "error", err)

	s.record(ctx, result)
	return []Outcome{{
		Result: result,
		Report: s.renderer.Render(result, 0, ""),
	}}
}

func (s *Service) record(ctx context.Context, result *domain.GradingResult) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, result); err != nil {
		slog.Warn("failed to record grading result", "id", result.ID, "error", err)
	}
}

func asCompileError(err error) error {
	var compileErr *domain.CompileError
	if errors.As(err, &compileErr) {
		return compileErr
	}
	return domain.NewCompileError(err)
}
