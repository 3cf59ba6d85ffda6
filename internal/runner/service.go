package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/collector"
	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/harness"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

// Config holds runner configuration
type Config struct {
	Timeout time.Duration // default deadline for isolated runs, zero waits forever
	Verbose bool          // per-phase harness log
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// Service runs hidden suites against candidate functions
type Service struct {
	config Config
	loader *suite.Loader
	active atomic.Int64
}

// NewService creates a new runner service
func NewService(cfg Config, loader *suite.Loader) *Service {
	return &Service{
		config: cfg,
		loader: loader,
	}
}

// Config returns the runner configuration
func (s *Service) Config() Config {
	return s.config
}

// Active returns the number of runs in flight
func (s *Service) Active() int {
	return int(s.active.Load())
}

// RunOption adjusts a single run
type RunOption func(*runOptions)

type runOptions struct {
	suppressTraceback bool
}

// SuppressTraceback drops stacks from the case results of this run only.
func SuppressTraceback(suppress bool) RunOption {
	return func(o *runOptions) { o.suppressTraceback = suppress }
}

// fixturePlugin injects the candidate as the function under test
type fixturePlugin struct {
	name  string
	value any
}

func (p fixturePlugin) ProvideFixture(name string, _ *harness.Item) (any, bool) {
	if name != p.name {
		return nil, false
	}
	return p.value, true
}

// Run grades one candidate against its module. It never panics and never
// returns an error: every failure is folded into the result status.
func (s *Service) Run(ctx context.Context, module domain.ExerciseModule, candidate domain.CandidateFunction, opts ...RunOption) (result *domain.GradingResult) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.active.Add(1)
	start := time.Now()
	result = domain.NewGradingResult("", &candidate, domain.StatusUnknownError)
	result.Module = module

	defer func() {
		s.active.Add(-1)
		if r := recover(); r != nil {
			slog.Error("grading run panicked", "exercise", candidate.Exercise, "panic", r)
			result.Status = domain.StatusUnknownError
			result.TestResults = nil
			result.Errors = []error{fmt.Errorf("%w: %v", domain.ErrUnknown, r)}
		}
		result.Duration = time.Since(start)
	}()

	source := harness.SourceFunc(func() ([]*harness.Item, error) {
		st, err := s.loader.Load(ctx, module.Path)
		if err != nil {
			return nil, err
		}
		result.ReferenceSolution = st.Solution(candidate.Exercise)
		return st.Collect()
	})

	var log bytes.Buffer
	col := collector.New()
	code := harness.Main(ctx, harness.Config{
		Source:  source,
		Keyword: candidate.TestSelector(),
		Plugins: []any{
			fixturePlugin{name: domain.FixtureName, value: candidate.Func},
			col,
		},
		Output:  &log,
		Verbose: s.config.Verbose,
	})
	result.Log = log.String()

	slog.Debug("harness finished",
		"exercise", candidate.Exercise,
		"module", module.Name,
		"exit", code.String(),
	)

	switch code {
	case harness.ExitOK:
		result.Status = domain.StatusFinished
		result.TestResults = col.Results()

	case harness.ExitTestsFailed:
		if errs := col.Errors(); len(errs) > 0 {
			result.Status = domain.StatusTestError
			result.Errors = errs
			break
		}
		result.Status = domain.StatusFinished
		result.TestResults = col.Results()

	case harness.ExitInternalError:
		result.Status = domain.StatusInternalError
		result.Errors = []error{domain.ErrHarnessInternal}

	case harness.ExitNoTestsCollected:
		result.Status = domain.StatusNoTestsFound
		result.Errors = []error{&domain.FunctionNotFoundError{
			Exercise: candidate.Exercise,
			Module:   module.Name,
		}}

	default:
		result.Status = domain.StatusUnknownError
		result.Errors = []error{fmt.Errorf("%w: harness exited with %s", domain.ErrUnknown, code)}
	}

	if o.suppressTraceback {
		for i := range result.TestResults {
			result.TestResults[i].Traceback = ""
		}
	}

	return result
}

// RunIsolated runs the same algorithm on a worker goroutine and waits for its
// result through a single-slot channel. When the timeout or ctx expires first
// the worker's context is cancelled and an UnknownError result carrying
// ErrGradingTimeout is returned. A candidate stuck in a loop keeps its
// goroutine; only the harness session is released. A timeout of zero or less
// uses the configured Timeout.
func (s *Service) RunIsolated(ctx context.Context, module domain.ExerciseModule, candidate domain.CandidateFunction, timeout time.Duration, opts ...RunOption) *domain.GradingResult {
	if timeout <= 0 {
		timeout = s.config.Timeout
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan *domain.GradingResult, 1)
	go func() {
		done <- s.Run(workerCtx, module, candidate, opts...)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		return r
	case <-expired:
	case <-ctx.Done():
	}

	slog.Warn("grading run abandoned",
		"exercise", candidate.Exercise,
		"module", module.Name,
		"timeout", timeout,
	)
	result := domain.NewGradingResult("", &candidate, domain.StatusUnknownError)
	result.Module = module
	result.Duration = timeout
	result.Errors = []error{fmt.Errorf("%w after %s", domain.ErrGradingTimeout, timeout)}
	return result
}
