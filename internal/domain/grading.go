package domain

import (
	"time"

	"github.com/google/uuid"
)

// SolutionPrefix marks a cell function as a graded solution rather than scratch code.
const SolutionPrefix = "solution_"

// FixtureName is the test parameter that receives the function under test.
const FixtureName = "function_to_test"

// ExerciseModule identifies a hidden test suite on disk
type ExerciseModule struct {
	Name string // logical name: "functions"
	Path string // resolved suite file: tests/test_functions.yaml
}

// CandidateFunction is a learner-submitted implementation for one exercise
type CandidateFunction struct {
	Exercise string // declared name without SolutionPrefix
	Name     string // declared name as written in the cell
	Func     any    // callable bound in the execution namespace
	Source   string // declaration source, for display
}

// TestSelector returns the keyword selecting this candidate's tests.
func (c CandidateFunction) TestSelector() string {
	return "test_" + c.Exercise
}

// Outcome is the verdict for a single test case
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// TestCaseResult is the outcome of one parametrized test invocation
type TestCaseResult struct {
	TestID    string  // functions.yaml::test_add_one[three]
	Outcome   Outcome
	Err       error   // nil when the case passed
	Traceback string  // stack captured where the error surfaced
	Formatted string  // long-form description: arguments, messages, causes
	Stdout    string
	Stderr    string
}

// Passed reports whether the case passed.
func (r TestCaseResult) Passed() bool {
	return r.Outcome == OutcomePass
}

// Status is the overall state of a grading run for one candidate
type Status string

const (
	StatusFinished        Status = "finished"
	StatusCompileError    Status = "compile_error"
	StatusNoTestsFound    Status = "no_tests_found"
	StatusTestError       Status = "test_error"
	StatusInternalError   Status = "internal_error"
	StatusSolutionMissing Status = "solution_missing"
	StatusUnknownError    Status = "unknown_error"
)

// IsError reports whether the status carries aggregate-level errors instead of test cases.
func (s Status) IsError() bool {
	return s != StatusFinished
}

// Describe returns a short human description of the status
func (s Status) Describe() string {
	switch s {
	case StatusFinished:
		return "tests finished"
	case StatusCompileError:
		return "the cell could not be compiled"
	case StatusNoTestsFound:
		return "no tests matched the solution function"
	case StatusTestError:
		return "a test crashed instead of failing"
	case StatusInternalError:
		return "the grading harness failed internally"
	case StatusSolutionMissing:
		return "no solution function was found in the cell"
	default:
		return "an unexpected error occurred while grading"
	}
}

// GradingResult aggregates the outcome of grading one candidate
type GradingResult struct {
	ID                uuid.UUID
	CellID            string
	Candidate         *CandidateFunction // nil for cell-level statuses
	Module            ExerciseModule
	Status            Status
	TestResults       []TestCaseResult
	Errors            []error
	AttemptCount      int
	ReferenceSolution string // shipped with the suite, empty when none
	Log               string // captured harness output
	Duration          time.Duration
	CreatedAt         time.Time
}

// NewGradingResult creates a result with a fresh ID
func NewGradingResult(cellID string, candidate *CandidateFunction, status Status) *GradingResult {
	return &GradingResult{
		ID:        uuid.New(),
		CellID:    cellID,
		Candidate: candidate,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// Exercise returns the exercise name, or empty for cell-level statuses.
func (r *GradingResult) Exercise() string {
	if r.Candidate == nil {
		return ""
	}
	return r.Candidate.Exercise
}

// Counts returns passed and not-passed case counts
func (r *GradingResult) Counts() (passed, notPassed int) {
	for _, tr := range r.TestResults {
		if tr.Passed() {
			passed++
		} else {
			notPassed++
		}
	}
	return passed, notPassed
}

// AllPassed returns true if at least one case ran and every case passed
func (r *GradingResult) AllPassed() bool {
	if r.Status != StatusFinished || len(r.TestResults) == 0 {
		return false
	}
	_, notPassed := r.Counts()
	return notPassed == 0
}

// FirstError returns the first aggregate-level error, if any.
func (r *GradingResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}
