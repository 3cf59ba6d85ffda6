package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/daemon"
	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/report"
)

// writeConfig writes a config using testdata/tests and a temporary history
// database, returning its path
func writeConfig(t *testing.T, history bool) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`grading:
  tests_dir: testdata/tests
  reveal_threshold: 3
  isolate: true
  timeout_seconds: 5
storage:
  enabled: %t
  path: %s
`, history, filepath.Join(dir, "history.db"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, cfgPath string, stdin string, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, writeConfig(t, false), "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != "cellgrade dev" {
		t.Errorf("version output = %q", out)
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		stdin      string
		wantErr    error
		wantOutput []string
	}{
		{
			name:       "passing cell",
			args:       []string{"grade", "--module", "functions", "testdata/functions.go"},
			wantOutput: []string{"add_one", "2 of 2 tests passed"},
		},
		{
			name:       "failing cell exits non-zero",
			args:       []string{"grade", "--module", "functions", "testdata/identity.go"},
			wantErr:    errNotPassed,
			wantOutput: []string{"1 of 2 tests passed", "three"},
		},
		{
			name:       "stdin",
			args:       []string{"grade", "--module", "functions", "-"},
			stdin:      "func solution_add_one(lst []int) []int { return []int{2, 3, 4} }\n",
			wantErr:    errNotPassed,
			wantOutput: []string{"1 of 2 tests passed"},
		},
		{
			name:       "markdown",
			args:       []string{"grade", "--module", "functions", "--format", "markdown", "testdata/functions.go"},
			wantOutput: []string{"## add_one: 2 of 2 tests passed", "| `test_functions.yaml::test_add_one[three]` |"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, writeConfig(t, false), tt.stdin, tt.args...)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("grade error = %v\n%s", err, out)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("grade error = %v, want %v", err, tt.wantErr)
			}
			for _, want := range tt.wantOutput {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestGrade_JSON(t *testing.T) {
	out, err := execute(t, writeConfig(t, false), "", "grade", "--module", "functions", "-f", "json", "testdata/functions.go")
	if err != nil {
		t.Fatalf("grade error = %v", err)
	}

	var reports []report.Report
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(reports) != 1 || reports[0].Exercise != "add_one" || !reports[0].AllPassed() {
		t.Errorf("reports = %+v", reports)
	}
	if reports[0].CellID != "functions.go" {
		t.Errorf("CellID = %q, want the file name", reports[0].CellID)
	}
}

func TestGrade_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown format", []string{"grade", "--module", "functions", "-f", "yaml", "testdata/functions.go"}, "unknown format"},
		{"missing file", []string{"grade", "testdata/nope.go"}, "read cell"},
		{"remote and queue", []string{"grade", "--remote", "--queue", "testdata/functions.go"}, "mutually exclusive"},
		{"no arguments", []string{"grade"}, "accepts 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, writeConfig(t, false), "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestGrade_ModuleNotFound(t *testing.T) {
	_, err := execute(t, writeConfig(t, false), "", "grade", "--module", "nothing", "testdata/functions.go")
	if err == nil || errors.Is(err, errNotPassed) {
		t.Errorf("error = %v, want a module lookup error", err)
	}
}

func TestSuites(t *testing.T) {
	cfgPath := writeConfig(t, false)

	out, err := execute(t, cfgPath, "", "suites")
	if err != nil {
		t.Fatalf("suites error = %v", err)
	}
	for _, want := range []string{"MODULE", "functions", "add_one"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, cfgPath, "", "suites", "unknown"); err == nil {
		t.Error("unknown module should fail")
	}
}

func TestHistory(t *testing.T) {
	cfgPath := writeConfig(t, true)

	if _, err := execute(t, cfgPath, "", "grade", "--module", "functions", "testdata/functions.go"); err != nil {
		t.Fatalf("grade error = %v", err)
	}
	if _, err := execute(t, cfgPath, "", "grade", "--module", "functions", "testdata/identity.go"); !errors.Is(err, errNotPassed) {
		t.Fatalf("grade error = %v, want errNotPassed", err)
	}

	out, err := execute(t, cfgPath, "", "history")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if strings.Count(out, "add_one") != 2 {
		t.Errorf("history should list both runs:\n%s", out)
	}

	out, err = execute(t, cfgPath, "", "history", "--cell", "identity.go", "--json")
	if err != nil {
		t.Fatalf("history --json error = %v", err)
	}
	var runs []struct {
		ID     string `json:"id"`
		CellID string `json:"cell_id"`
		Passed int    `json:"passed"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].CellID != "identity.go" || runs[0].Passed != 1 {
		t.Fatalf("runs = %+v", runs)
	}

	out, err = execute(t, cfgPath, "", "history", "show", runs[0].ID)
	if err != nil {
		t.Fatalf("history show error = %v", err)
	}
	if !strings.Contains(out, "Passed:    1/2") || !strings.Contains(out, "test_add_one[three]") {
		t.Errorf("show output:\n%s", out)
	}

	out, err = execute(t, cfgPath, "", "history", "stats")
	if err != nil {
		t.Fatalf("history stats error = %v", err)
	}
	if !strings.Contains(out, "functions/add_one") || !strings.Contains(out, "50% solved") {
		t.Errorf("stats output:\n%s", out)
	}

	out, err = execute(t, cfgPath, "", "history", "prune", "--older-than", "1h")
	if err != nil {
		t.Fatalf("history prune error = %v", err)
	}
	if !strings.Contains(out, "deleted 0 runs") {
		t.Errorf("prune output = %q", out)
	}
}

func TestHistory_Disabled(t *testing.T) {
	_, err := execute(t, writeConfig(t, false), "", "history")
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %v, want history disabled", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("grading:\n  reveal_threshold: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("reveal_threshold 0 should be rejected")
	}
}

func newTestDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultLocalConfig()
	cfg.Grading.TestsDir = "testdata/tests"
	cfg.Storage.Enabled = false

	server, err := daemon.NewServer(daemon.ServerConfig{Config: cfg, Version: "test"})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestGradeRemote(t *testing.T) {
	ts := newTestDaemon(t)
	source, err := os.ReadFile("testdata/identity.go")
	if err != nil {
		t.Fatal(err)
	}

	reports, err := gradeRemote(context.Background(), ts.URL, grader.Submission{
		CellID:     "cell-1",
		Source:     string(source),
		ModuleHint: "functions",
	}, grader.Options{Isolate: true, SuppressTraceback: true})
	if err != nil {
		t.Fatalf("gradeRemote() error = %v", err)
	}
	if len(reports) != 1 || reports[0].Passed != 1 || reports[0].NotPassed != 1 {
		t.Errorf("reports = %+v", reports)
	}

	_, err = gradeRemote(context.Background(), ts.URL, grader.Submission{
		CellID:     "cell-1",
		Source:     string(source),
		ModuleHint: "nothing",
	}, grader.Options{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want a 404 from the daemon", err)
	}
}

func TestPrintStatus(t *testing.T) {
	ts := newTestDaemon(t)

	var out bytes.Buffer
	if err := printStatus(&out, ts.URL); err != nil {
		t.Fatalf("printStatus() error = %v", err)
	}
	for _, want := range []string{"running", "test", "testdata/tests"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status missing %q:\n%s", want, out.String())
		}
	}

	ts.Close()
	out.Reset()
	if err := printStatus(&out, ts.URL); err != nil {
		t.Fatalf("printStatus() error = %v", err)
	}
	if strings.TrimSpace(out.String()) != "Status: stopped" {
		t.Errorf("stopped status = %q", out.String())
	}
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		value float64
		width int
		want  string
	}{
		{0, 4, "[░░░░]"},
		{0.5, 4, "[██░░]"},
		{1, 4, "[████]"},
		{1.5, 4, "[████]"},
		{-1, 4, "[░░░░]"},
	}

	for _, tt := range tests {
		if got := renderProgressBar(tt.value, tt.width); got != tt.want {
			t.Errorf("renderProgressBar(%v, %d) = %q, want %q", tt.value, tt.width, got, tt.want)
		}
	}
}

func TestLogLevel(t *testing.T) {
	if got := logLevel("error", true); got.String() != "DEBUG" {
		t.Errorf("--debug should win, got %v", got)
	}
	if got := logLevel("warn", false); got.String() != "WARN" {
		t.Errorf("logLevel(warn) = %v", got)
	}
	if got := logLevel("bogus", false); got.String() != "INFO" {
		t.Errorf("logLevel(bogus) = %v", got)
	}
}
