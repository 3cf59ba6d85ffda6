package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/harness"
)

const solution = "func solution_add_one(lst []int) []int { ... }"

func finished(outcomes ...domain.Outcome) *domain.GradingResult {
	r := domain.NewGradingResult("cell-1", &domain.CandidateFunction{Exercise: "add_one"}, domain.StatusFinished)
	r.Module = domain.ExerciseModule{Name: "functions"}
	for i, o := range outcomes {
		tr := domain.TestCaseResult{TestID: fmt.Sprintf("test_functions.yaml::test_add_one[%d]", i), Outcome: o}
		if o != domain.OutcomePass {
			tr.Err = &harness.AssertionError{Messages: []string{"add_one([1 2 3]) = [1 2 3], want [2 3 4]"}}
		}
		r.TestResults = append(r.TestResults, tr)
	}
	return r
}

func TestRender_RevealGating(t *testing.T) {
	renderer := NewRenderer(3)

	tests := []struct {
		name       string
		result     *domain.GradingResult
		attempts   int
		wantReveal bool
	}{
		{"first failing attempt", finished(domain.OutcomeFail, domain.OutcomePass), 1, false},
		{"second failing attempt", finished(domain.OutcomeFail, domain.OutcomePass), 2, false},
		{"third failing attempt", finished(domain.OutcomeFail, domain.OutcomePass), 3, true},
		{"beyond threshold", finished(domain.OutcomeError), 7, true},
		{"all pass on first attempt", finished(domain.OutcomePass, domain.OutcomePass), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := renderer.Render(tt.result, tt.attempts, solution)
			if rep.SolutionRevealed != tt.wantReveal {
				t.Errorf("SolutionRevealed = %v, want %v", rep.SolutionRevealed, tt.wantReveal)
			}
			if tt.wantReveal && rep.Solution != solution {
				t.Errorf("Solution = %q", rep.Solution)
			}
			if !tt.wantReveal && (rep.Solution != "" || rep.Placeholder == "") {
				t.Errorf("hidden solution leaked or no placeholder: %+v", rep)
			}
		})
	}
}

func TestRender_Counts(t *testing.T) {
	rep := NewRenderer(3).Render(finished(domain.OutcomePass, domain.OutcomeFail, domain.OutcomeError), 1, "")

	if rep.Passed != 1 || rep.NotPassed != 2 || rep.Total() != 3 {
		t.Errorf("counts = %d/%d", rep.Passed, rep.NotPassed)
	}
	if rep.Summary != "1 of 3 tests passed" {
		t.Errorf("Summary = %q", rep.Summary)
	}
	if rep.Cases[1].Message == "" {
		t.Error("failed case has no message")
	}
	if rep.Placeholder != "Keep trying: the solution unlocks after 2 more attempts." {
		t.Errorf("Placeholder = %q", rep.Placeholder)
	}
}

func TestRender_EligibleWithoutSolution(t *testing.T) {
	rep := NewRenderer(3).Render(finished(domain.OutcomePass), 1, "")
	if rep.SolutionRevealed || rep.Placeholder != "" {
		t.Errorf("report = %+v, want neither solution nor placeholder", rep)
	}
	if !rep.AllPassed() {
		t.Error("AllPassed() = false")
	}
}

func TestRender_ErrorStatusSuppressesSolution(t *testing.T) {
	tests := []struct {
		status   domain.Status
		errs     []error
		wantKind string
	}{
		{domain.StatusCompileError, []error{domain.NewCompileError(errors.New("1:5: expected ';'"))}, "CompileError"},
		{domain.StatusNoTestsFound, []error{&domain.FunctionNotFoundError{Exercise: "x", Module: "m"}}, "FunctionNotFoundError"},
		{domain.StatusSolutionMissing, []error{domain.ErrSolutionMissing}, "SolutionMissingError"},
		{domain.StatusInternalError, []error{domain.ErrHarnessInternal}, "InternalError"},
		{domain.StatusTestError, []error{&harness.PanicError{Value: "boom"}, errors.New("other")}, "PanicError"},
		{domain.StatusUnknownError, nil, "UnknownError"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := domain.NewGradingResult("cell-1", nil, tt.status)
			r.Errors = tt.errs

			rep := NewRenderer(3).Render(r, 10, solution)
			if rep.SolutionRevealed || rep.Solution != "" {
				t.Error("solution disclosed on an error status")
			}
			if rep.Error == nil || rep.Error.Kind != tt.wantKind {
				t.Fatalf("Error = %+v, want kind %s", rep.Error, tt.wantKind)
			}
			if len(tt.errs) > 1 && rep.Error.More != len(tt.errs)-1 {
				t.Errorf("More = %d", rep.Error.More)
			}
		})
	}
}

func TestNewRenderer_DefaultThreshold(t *testing.T) {
	if NewRenderer(0).RevealThreshold != DefaultRevealThreshold {
		t.Error("threshold 0 should fall back to the default")
	}
	var zero Renderer
	rep := zero.Render(finished(domain.OutcomeFail), 3, solution)
	if !rep.SolutionRevealed {
		t.Error("zero renderer should gate on the default threshold")
	}
}

func TestReport_JSON(t *testing.T) {
	rep := NewRenderer(3).Render(finished(domain.OutcomePass), 1, solution)
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{`"status":"finished"`, `"exercise":"add_one"`, `"solution_revealed":true`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("JSON missing %s: %s", key, data)
		}
	}
}

func TestRenderText(t *testing.T) {
	r := finished(domain.OutcomeFail, domain.OutcomePass)
	r.TestResults[0].Stdout = "debug\n"
	out := RenderText(NewRenderer(3).Render(r, 1, solution), PlainTheme())

	for _, want := range []string{"add_one", "FAIL", "PASS", "want [2 3 4]", "stdout:", "debug", "1 of 2 tests passed", "Keep trying"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderText() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, solution) {
		t.Error("RenderText() disclosed a hidden solution")
	}
}

func TestRenderText_Error(t *testing.T) {
	r := domain.NewGradingResult("cell-1", nil, domain.StatusCompileError)
	r.Errors = []error{domain.NewCompileError(errors.New("1:5: expected ';'"))}
	out := ansi.Strip(RenderText(NewRenderer(3).Render(r, 0, ""), DefaultTheme()))

	if !strings.Contains(out, "CompileError:") || !strings.Contains(out, "expected ';'") {
		t.Errorf("RenderText() = %q", out)
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown(NewRenderer(3).Render(finished(domain.OutcomePass, domain.OutcomePass), 1, solution))

	for _, want := range []string{"## add_one: 2 of 2 tests passed", "| Test | Outcome |", "### Reference solution", "```go"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderMarkdown() missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPretty(t *testing.T) {
	out, err := RenderPretty(NewRenderer(3).Render(finished(domain.OutcomeFail), 1, ""), 60)
	if err != nil {
		t.Fatalf("RenderPretty() error = %v", err)
	}
	if !strings.Contains(ansi.Strip(out), "add_one") {
		t.Errorf("RenderPretty() = %q", out)
	}
}
