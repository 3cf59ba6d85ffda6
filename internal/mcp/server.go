// Package mcp exposes the grader as MCP tools for editors and agents.
package mcp

import (
	"context"
	"fmt"
	"time"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"

	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/report"
	"github.com/felixgeelhaar/cellgrade/internal/storage/sqlite"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

// History lists recorded grading runs
type History interface {
	List(ctx context.Context, f sqlite.Filter) ([]sqlite.Entry, error)
}

// Server wraps the MCP server with grading tools
type Server struct {
	mcpServer *server.Server
	grader    *grader.Service
	registry  *suite.Registry
	history   History
	options   grader.Options
}

// Config contains what the MCP server is built from
type Config struct {
	Grader   *grader.Service
	Registry *suite.Registry
	History  History // optional
	Options  grader.Options
	Version  string
}

// NewServer creates an MCP server
func NewServer(cfg Config) *Server {
	s := &Server{
		grader:   cfg.Grader,
		registry: cfg.Registry,
		history:  cfg.History,
		options:  cfg.Options,
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "cellgrade",
		Version: version,
	}, server.WithInstructions(`
cellgrade grades notebook cells against hidden test suites.

A cell defines functions named solution_<exercise>; each is run against the
tests named test_<exercise> in the module's suite. The reference solution is
revealed once every test passes or after enough graded attempts.

Available tools:
- cellgrade_grade: Grade the solution functions of a cell
- cellgrade_suites: List the available suites and their exercises
- cellgrade_attempts: Show attempt counts per cell and exercise
- cellgrade_history: List recorded grading runs
`))

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("cellgrade_grade").
		Description("Grade the solution_ functions of a notebook cell against the hidden tests of a module.").
		Handler(s.handleGrade)

	s.mcpServer.Tool("cellgrade_suites").
		Description("List the available test suites and the exercises each one grades.").
		Handler(s.handleSuites)

	s.mcpServer.Tool("cellgrade_attempts").
		Description("Show how many graded attempts each cell has made per exercise.").
		Handler(s.handleAttempts)

	if s.history != nil {
		s.mcpServer.Tool("cellgrade_history").
			Description("List recorded grading runs, newest first.").
			Handler(s.handleHistory)
	}
}

type GradeInput struct {
	CellID  string `json:"cell_id" jsonschema:"description=Stable identifier of the notebook cell"`
	Source  string `json:"source" jsonschema:"description=Go source of the cell"`
	Module  string `json:"module,omitempty" jsonschema:"description=Module name or notebook file name; selects tests/test_<module>.yaml"`
	Verbose bool   `json:"verbose,omitempty" jsonschema:"description=Include tracebacks of failing cases"`
}

type GradeOutput struct {
	Summary string           `json:"summary"`
	Text    string           `json:"text"`
	Reports []*report.Report `json:"reports"`
}

type SuitesInput struct {
	Module string `json:"module,omitempty" jsonschema:"description=Only show this module"`
}

type SuitesOutput struct {
	Suites []suite.Summary `json:"suites"`
}

type AttemptsInput struct {
	CellID string `json:"cell_id,omitempty" jsonschema:"description=Only show attempts of this cell"`
}

type AttemptEntry struct {
	CellID   string `json:"cell_id"`
	Exercise string `json:"exercise"`
	Attempts int    `json:"attempts"`
}

type AttemptsOutput struct {
	Attempts []AttemptEntry `json:"attempts"`
}

type HistoryInput struct {
	CellID   string `json:"cell_id,omitempty" jsonschema:"description=Filter by cell"`
	Exercise string `json:"exercise,omitempty" jsonschema:"description=Filter by exercise"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum number of runs (default 20)"`
}

type HistoryOutput struct {
	Runs []sqlite.Entry `json:"runs"`
}

func (s *Server) handleGrade(ctx context.Context, input GradeInput) (GradeOutput, error) {
	if input.Source == "" {
		return GradeOutput{}, fmt.Errorf("source is required")
	}
	cellID := input.CellID
	if cellID == "" {
		cellID = "mcp"
	}

	opts := s.options
	opts.SuppressTraceback = !input.Verbose

	outcomes, err := s.grader.Grade(ctx, grader.Submission{
		CellID:     cellID,
		Source:     input.Source,
		ModuleHint: input.Module,
	}, opts)
	if err != nil {
		return GradeOutput{}, fmt.Errorf("grade failed: %w", err)
	}

	var out GradeOutput
	var passed, total int
	for i, o := range outcomes {
		out.Reports = append(out.Reports, o.Report)
		if i > 0 {
			out.Text += "\n"
		}
		out.Text += report.RenderText(o.Report, report.PlainTheme())
		passed += o.Report.Passed
		total += o.Report.Total()
	}
	out.Summary = fmt.Sprintf("%d exercise(s) graded, %d of %d tests passed", len(outcomes), passed, total)
	return out, nil
}

func (s *Server) handleSuites(ctx context.Context, input SuitesInput) (SuitesOutput, error) {
	if input.Module != "" {
		summary, err := s.registry.Get(input.Module)
		if err != nil {
			return SuitesOutput{}, err
		}
		return SuitesOutput{Suites: []suite.Summary{summary}}, nil
	}

	suites, err := s.registry.List()
	if err != nil {
		return SuitesOutput{}, fmt.Errorf("list suites: %w", err)
	}
	return SuitesOutput{Suites: suites}, nil
}

func (s *Server) handleAttempts(ctx context.Context, input AttemptsInput) (AttemptsOutput, error) {
	out := AttemptsOutput{Attempts: []AttemptEntry{}}
	for _, c := range s.grader.Tracker().Snapshot() {
		if input.CellID != "" && c.CellID != input.CellID {
			continue
		}
		out.Attempts = append(out.Attempts, AttemptEntry{
			CellID:   c.CellID,
			Exercise: c.Exercise,
			Attempts: c.Attempts,
		})
	}
	return out, nil
}

func (s *Server) handleHistory(ctx context.Context, input HistoryInput) (HistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	runs, err := s.history.List(ctx, sqlite.Filter{
		CellID:   input.CellID,
		Exercise: input.Exercise,
		Limit:    limit,
	})
	if err != nil {
		return HistoryOutput{}, fmt.Errorf("read history: %w", err)
	}
	return HistoryOutput{Runs: runs}, nil
}

// ServeStdio serves MCP over stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP serves MCP over HTTP
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
