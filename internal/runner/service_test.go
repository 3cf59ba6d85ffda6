package runner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/runner"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

var functionsModule = domain.ExerciseModule{
	Name: "functions",
	Path: "testdata/test_functions.yaml",
}

func newService() *runner.Service {
	return runner.NewService(runner.DefaultConfig(), suite.NewLoader(nil))
}

func candidate(exercise string, fn any) domain.CandidateFunction {
	return domain.CandidateFunction{
		Exercise: exercise,
		Name:     domain.SolutionPrefix + exercise,
		Func:     fn,
	}
}

func outcomes(r *domain.GradingResult) []domain.Outcome {
	out := make([]domain.Outcome, len(r.TestResults))
	for i, tr := range r.TestResults {
		out[i] = tr.Outcome
	}
	return out
}

func TestRun_Finished(t *testing.T) {
	tests := []struct {
		name string
		fn   any
		want []domain.Outcome
	}{
		{
			name: "correct candidate passes every case",
			fn: func(lst []int) []int {
				out := make([]int, len(lst))
				for i, x := range lst {
					out[i] = x + 1
				}
				return out
			},
			want: []domain.Outcome{domain.OutcomePass, domain.OutcomePass},
		},
		{
			name: "identity fails the mismatch and passes the empty case",
			fn:   func(lst []int) []int { return lst },
			want: []domain.Outcome{domain.OutcomeFail, domain.OutcomePass},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newService().Run(context.Background(), functionsModule, candidate("add_one", tt.fn))

			if r.Status != domain.StatusFinished {
				t.Fatalf("Status = %s, want finished (errors: %v)\n%s", r.Status, r.Errors, r.Log)
			}
			if len(r.Errors) != 0 {
				t.Errorf("Errors = %v, want none", r.Errors)
			}
			got := outcomes(r)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("outcomes = %v, want %v", got, tt.want)
			}
			if r.TestResults[0].TestID != "test_functions.yaml::test_add_one[three]" {
				t.Errorf("TestID = %q", r.TestResults[0].TestID)
			}
			if r.ReferenceSolution == "" {
				t.Error("ReferenceSolution not loaded from suite")
			}
		})
	}
}

func TestRun_FailDetail(t *testing.T) {
	r := newService().Run(context.Background(), functionsModule, candidate("add_one", func(lst []int) []int {
		fmt.Println("debugging", len(lst))
		return lst
	}))
	if r.Status != domain.StatusFinished {
		t.Fatalf("Status = %s", r.Status)
	}

	fail := r.TestResults[0]
	if fail.Err == nil || fail.Formatted == "" || fail.Traceback == "" {
		t.Errorf("failed case lacks detail: %+v", fail)
	}
	if fail.Stdout != "debugging 3\n" {
		t.Errorf("Stdout = %q", fail.Stdout)
	}
}

func TestRun_SuppressTraceback(t *testing.T) {
	r := newService().Run(context.Background(), functionsModule,
		candidate("add_one", func(lst []int) []int { return lst }),
		runner.SuppressTraceback(true),
	)
	for _, tr := range r.TestResults {
		if tr.Traceback != "" {
			t.Errorf("%s: Traceback = %q, want suppressed", tr.TestID, tr.Traceback)
		}
	}
}

func TestRun_TestErrorEscalation(t *testing.T) {
	calls := 0
	r := newService().Run(context.Background(), functionsModule, candidate("add_one", func(lst []int) []int {
		calls++
		if len(lst) == 0 {
			panic("empty list")
		}
		return lst // plain mismatch on the other case
	}))

	if r.Status != domain.StatusTestError {
		t.Fatalf("Status = %s, want test_error", r.Status)
	}
	if len(r.Errors) != 1 {
		t.Fatalf("Errors = %v, want the one crash", r.Errors)
	}
	if len(r.TestResults) != 0 {
		t.Errorf("TestResults = %v, want none on an error status", r.TestResults)
	}
	if calls != 2 {
		t.Errorf("candidate called %d times, want 2", calls)
	}
}

func TestRun_WrongSignatureIsError(t *testing.T) {
	r := newService().Run(context.Background(), functionsModule, candidate("add_one", func(a int) int { return a }))
	if r.Status != domain.StatusTestError {
		t.Fatalf("Status = %s, want test_error", r.Status)
	}
	var argErr *suite.ArgumentError
	if !errors.As(r.FirstError(), &argErr) {
		t.Errorf("FirstError() = %v, want ArgumentError", r.FirstError())
	}
}

func TestRun_NoTestsFound(t *testing.T) {
	r := newService().Run(context.Background(), functionsModule, candidate("subtract", func(a, b int) int { return a - b }))

	if r.Status != domain.StatusNoTestsFound {
		t.Fatalf("Status = %s, want no_tests_found", r.Status)
	}
	var notFound *domain.FunctionNotFoundError
	if !errors.As(r.FirstError(), &notFound) {
		t.Fatalf("FirstError() = %v, want FunctionNotFoundError", r.FirstError())
	}
	if notFound.Exercise != "subtract" || notFound.Module != "functions" {
		t.Errorf("FunctionNotFoundError = %+v", notFound)
	}
}

func TestRun_BrokenSuite(t *testing.T) {
	module := domain.ExerciseModule{Name: "broken", Path: "testdata/test_broken.yaml"}
	r := newService().Run(context.Background(), module, candidate("add_one", func([]int) []int { return nil }))

	if r.Status != domain.StatusUnknownError {
		t.Fatalf("Status = %s, want unknown_error", r.Status)
	}
	if !errors.Is(r.FirstError(), domain.ErrUnknown) {
		t.Errorf("FirstError() = %v", r.FirstError())
	}
}

func TestRunIsolated(t *testing.T) {
	svc := newService()
	r := svc.RunIsolated(context.Background(), functionsModule,
		candidate("add_one", func(lst []int) []int { return lst }), time.Second)
	if r.Status != domain.StatusFinished {
		t.Fatalf("Status = %s, want finished", r.Status)
	}
	if len(r.TestResults) != 2 {
		t.Errorf("got %d results, want 2", len(r.TestResults))
	}
}

func TestRunIsolated_Timeout(t *testing.T) {
	svc := newService()
	release := make(chan struct{})
	defer close(release)

	hung := candidate("add_one", func(lst []int) []int {
		<-release
		return lst
	})
	r := svc.RunIsolated(context.Background(), functionsModule, hung, 50*time.Millisecond)

	if r.Status != domain.StatusUnknownError {
		t.Fatalf("Status = %s, want unknown_error", r.Status)
	}
	if !errors.Is(r.FirstError(), domain.ErrGradingTimeout) {
		t.Errorf("FirstError() = %v, want ErrGradingTimeout", r.FirstError())
	}

	// the abandoned run must not block later runs
	next := svc.RunIsolated(context.Background(), functionsModule,
		candidate("add_one", func(lst []int) []int { return lst }), 5*time.Second)
	if next.Status != domain.StatusFinished {
		t.Errorf("next run Status = %s, want finished", next.Status)
	}
}

func TestRunIsolated_ConfiguredTimeout(t *testing.T) {
	cfg := runner.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	svc := runner.NewService(cfg, suite.NewLoader(nil))

	release := make(chan struct{})
	defer close(release)

	done := make(chan *domain.GradingResult, 1)
	go func() {
		done <- svc.RunIsolated(context.Background(), functionsModule, candidate("add_one", func(lst []int) []int {
			<-release
			return lst
		}), 0)
	}()

	select {
	case r := <-done:
		if !errors.Is(r.FirstError(), domain.ErrGradingTimeout) {
			t.Errorf("FirstError() = %v, want ErrGradingTimeout", r.FirstError())
		}
		if r.Duration != cfg.Timeout {
			t.Errorf("Duration = %s, want %s", r.Duration, cfg.Timeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunIsolated(timeout 0) ignored the configured timeout")
	}
}

func TestRunIsolated_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)

	r := newService().RunIsolated(ctx, functionsModule, candidate("add_one", func(lst []int) []int {
		<-release
		return lst
	}), 0)
	if r.Status != domain.StatusUnknownError {
		t.Errorf("Status = %s, want unknown_error", r.Status)
	}
}
