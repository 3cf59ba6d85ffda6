// Package report turns grading results into reports: a JSON-serializable
// structure plus text and markdown renderings of it.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// DefaultRevealThreshold is the number of finished attempts after which the
// reference solution is shown even without success.
const DefaultRevealThreshold = 3

// Report is the rendered view of one grading result
type Report struct {
	ID        string        `json:"id"`
	CellID    string        `json:"cell_id,omitempty"`
	Exercise  string        `json:"exercise,omitempty"`
	Module    string        `json:"module,omitempty"`
	Status    domain.Status `json:"status"`
	Summary   string        `json:"summary"`
	Passed    int           `json:"passed"`
	NotPassed int           `json:"not_passed"`
	Cases     []CaseReport  `json:"cases,omitempty"`
	Error     *ErrorReport  `json:"error,omitempty"`

	Attempts         int    `json:"attempts"`
	RevealThreshold  int    `json:"reveal_threshold"`
	SolutionRevealed bool   `json:"solution_revealed"`
	Solution         string `json:"solution,omitempty"`
	Placeholder      string `json:"placeholder,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

// CaseReport is one test case in a report
type CaseReport struct {
	TestID    string         `json:"test_id"`
	Outcome   domain.Outcome `json:"outcome"`
	Message   string         `json:"message,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
}

// ErrorReport is the aggregate error of an error status
type ErrorReport struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	More    int    `json:"more,omitempty"` // further errors not shown
}

// AllPassed reports whether the report carries a fully passing run
func (r *Report) AllPassed() bool {
	return r.Status == domain.StatusFinished && len(r.Cases) > 0 && r.NotPassed == 0
}

// Total returns the number of cases
func (r *Report) Total() int {
	return r.Passed + r.NotPassed
}

// Renderer builds reports and gates solution disclosure
type Renderer struct {
	RevealThreshold int
}

// NewRenderer creates a renderer; a threshold below one uses the default.
func NewRenderer(threshold int) Renderer {
	if threshold < 1 {
		threshold = DefaultRevealThreshold
	}
	return Renderer{RevealThreshold: threshold}
}

// Eligible reports whether the solution may be disclosed: only for finished
// runs, when every case passed or the attempts reached the threshold.
func (r Renderer) Eligible(result *domain.GradingResult, attempts int) bool {
	if result.Status != domain.StatusFinished {
		return false
	}
	return result.AllPassed() || attempts >= r.threshold()
}

// Render builds the report for a result. solution is the reference source to
// disclose when eligible; it may be empty.
func (r Renderer) Render(result *domain.GradingResult, attempts int, solution string) *Report {
	rep := &Report{
		ID:              result.ID.String(),
		CellID:          result.CellID,
		Exercise:        result.Exercise(),
		Module:          result.Module.Name,
		Status:          result.Status,
		Summary:         result.Status.Describe(),
		Attempts:        attempts,
		RevealThreshold: r.threshold(),
		DurationMS:      result.Duration.Milliseconds(),
	}

	if result.Status.IsError() {
		rep.Error = errorReport(result.Errors)
		return rep
	}

	rep.Passed, rep.NotPassed = result.Counts()
	for _, tr := range result.TestResults {
		cr := CaseReport{
			TestID:    tr.TestID,
			Outcome:   tr.Outcome,
			Detail:    tr.Formatted,
			Traceback: tr.Traceback,
			Stdout:    tr.Stdout,
			Stderr:    tr.Stderr,
		}
		if tr.Err != nil {
			cr.Message = tr.Err.Error()
		}
		rep.Cases = append(rep.Cases, cr)
	}
	rep.Summary = fmt.Sprintf("%d of %d tests passed", rep.Passed, rep.Total())

	switch {
	case !r.Eligible(result, attempts):
		remaining := r.threshold() - attempts
		rep.Placeholder = fmt.Sprintf("Keep trying: the solution unlocks after %d more %s.",
			remaining, plural(remaining, "attempt", "attempts"))
	case solution != "":
		rep.SolutionRevealed = true
		rep.Solution = solution
	}
	return rep
}

// Duration returns the run duration
func (r *Report) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

func (r Renderer) threshold() int {
	if r.RevealThreshold < 1 {
		return DefaultRevealThreshold
	}
	return r.RevealThreshold
}

func errorReport(errs []error) *ErrorReport {
	if len(errs) == 0 {
		return &ErrorReport{Kind: "UnknownError", Message: domain.ErrUnknown.Error()}
	}
	return &ErrorReport{
		Kind:    Kind(errs[0]),
		Message: errs[0].Error(),
		More:    len(errs) - 1,
	}
}

// Kind names the classification of an aggregate error
func Kind(err error) string {
	var (
		compileErr  *domain.CompileError
		notFoundErr *domain.FunctionNotFoundError
		moduleErr   *domain.TestModuleNotFoundError
	)
	switch {
	case errors.As(err, &compileErr):
		return "CompileError"
	case errors.As(err, &notFoundErr):
		return "FunctionNotFoundError"
	case errors.As(err, &moduleErr):
		return "TestModuleNotFoundError"
	case errors.Is(err, domain.ErrSolutionMissing):
		return "SolutionMissingError"
	case errors.Is(err, domain.ErrHarnessInternal):
		return "InternalError"
	case errors.Is(err, domain.ErrGradingTimeout):
		return "TimeoutError"
	case errors.Is(err, domain.ErrUnknown):
		return "UnknownError"
	}

	name := fmt.Sprintf("%T", err)
	name = name[strings.LastIndex(name, ".")+1:]
	return strings.TrimPrefix(name, "*")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
