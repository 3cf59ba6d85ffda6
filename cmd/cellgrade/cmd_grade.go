package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/daemon"
	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/queue"
	"github.com/felixgeelhaar/cellgrade/internal/report"
)

type gradeFlags struct {
	cellID  string
	module  string
	isolate bool
	timeout time.Duration
	verbose bool
	format  string
	remote  bool
	queue   bool
	wait    time.Duration
}

func newGradeCmd(g *globals) *cobra.Command {
	f := &gradeFlags{}

	cmd := &cobra.Command{
		Use:   "grade <file>",
		Short: "Grade the solution_ functions of a cell",
		Long: `Grade reads a cell's Go source from a file ("-" for stdin), runs every
solution_<exercise> function against test_<exercise> of the module's suite
and prints one report per exercise.

The module defaults to the file name, so exercises/strings.go is graded
against tests/test_strings.yaml.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrade(cmd, g, f, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.cellID, "cell", "", "cell id attempts are counted under (default: file name)")
	flags.StringVar(&f.module, "module", "", "module whose suite grades the cell (default: file name)")
	flags.BoolVar(&f.isolate, "isolate", true, "run each solution in an isolated worker")
	flags.DurationVar(&f.timeout, "timeout", 0, "per-solution timeout in isolated mode (default from config)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "show tracebacks of failing cases")
	flags.StringVarP(&f.format, "format", "f", "text", "output format: text, markdown, pretty or json")
	flags.BoolVar(&f.remote, "remote", false, "grade on the running daemon")
	flags.BoolVar(&f.queue, "queue", false, "grade through the RabbitMQ worker queue")
	flags.DurationVar(&f.wait, "wait", 2*time.Minute, "how long to wait for a queued outcome")
	return cmd
}

func runGrade(cmd *cobra.Command, g *globals, f *gradeFlags, path string) error {
	source, err := readSource(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	sub := grader.Submission{
		CellID:     f.cellID,
		Source:     source,
		ModuleHint: f.module,
	}
	if path != "-" {
		if sub.CellID == "" {
			sub.CellID = filepath.Base(path)
		}
		if sub.ModuleHint == "" {
			sub.ModuleHint = filepath.Base(path)
		}
	}
	if sub.CellID == "" {
		sub.CellID = "stdin"
	}

	opts := grader.OptionsFromConfig(g.cfg)
	if cmd.Flags().Changed("isolate") {
		opts.Isolate = f.isolate
	}
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	opts.SuppressTraceback = !f.verbose

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var reports []*report.Report
	switch {
	case f.remote && f.queue:
		return fmt.Errorf("--remote and --queue are mutually exclusive")
	case f.remote:
		reports, err = gradeRemote(ctx, daemonAddr(g.cfg), sub, opts)
	case f.queue:
		reports, err = gradeQueued(ctx, g.cfg.Queue.URL, sub, opts, f.wait)
	default:
		reports, err = gradeLocal(ctx, g, sub, opts)
	}
	if err != nil {
		return err
	}

	if err := printReports(cmd.OutOrStdout(), reports, f.format); err != nil {
		return err
	}
	for _, rep := range reports {
		if !rep.AllPassed() {
			return errNotPassed
		}
	}
	return nil
}

func readSource(stdin io.Reader, path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read cell: %w", err)
	}
	return string(data), nil
}

func gradeLocal(ctx context.Context, g *globals, sub grader.Submission, opts grader.Options) ([]*report.Report, error) {
	svc := grader.FromConfig(g.cfg)
	db, _, err := grader.OpenHistory(ctx, g.cfg, svc)
	if err != nil {
		return nil, err
	}
	if db != nil {
		defer db.Close()
	}

	outcomes, err := svc.Grade(ctx, sub, opts)
	if err != nil {
		return nil, err
	}
	reports := make([]*report.Report, 0, len(outcomes))
	for _, o := range outcomes {
		reports = append(reports, o.Report)
	}
	return reports, nil
}

func gradeRemote(ctx context.Context, addr string, sub grader.Submission, opts grader.Options) ([]*report.Report, error) {
	isolate := opts.Isolate
	suppress := opts.SuppressTraceback
	body, err := json.Marshal(daemon.GradeRequest{
		CellID:            sub.CellID,
		Source:            sub.Source,
		Module:            sub.ModuleHint,
		Isolate:           &isolate,
		TimeoutSeconds:    int(opts.Timeout / time.Second),
		SuppressTraceback: &suppress,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/v1/grade", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s (run 'cellgrade start'): %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Details != "" {
			return nil, fmt.Errorf("daemon returned %s: %s: %s", resp.Status, apiErr.Error, apiErr.Details)
		}
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, apiErr.Error)
	}

	var out daemon.GradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Reports, nil
}

func gradeQueued(ctx context.Context, url string, sub grader.Submission, opts grader.Options, wait time.Duration) ([]*report.Report, error) {
	conn, err := queue.NewConnection(ctx, url, queue.DefaultConnectionConfig())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	outcomes := queue.NewOutcomeConsumer(conn)
	if err := outcomes.Start(ctx); err != nil {
		return nil, err
	}
	defer outcomes.Stop()

	job := queue.NewGradeJob(sub.CellID, sub.Source, sub.ModuleHint)
	job.Isolate = opts.Isolate
	job.TimeoutSeconds = int(opts.Timeout / time.Second)
	job.SuppressTraceback = opts.SuppressTraceback

	done := make(chan *queue.GradeOutcome, 1)
	outcomes.Subscribe(job.ID, func(o *queue.GradeOutcome) {
		select {
		case done <- o:
		default:
		}
	})
	defer outcomes.Unsubscribe(job.ID)

	if err := queue.NewProducer(conn).PublishGradeJob(ctx, job); err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		if o.Status != queue.StatusCompleted {
			return nil, fmt.Errorf("grade job %s %s: %s", job.ID, o.Status, o.Error)
		}
		return o.Reports, nil
	case <-time.After(wait):
		return nil, fmt.Errorf("no outcome for grade job %s after %s", job.ID, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// printReports writes reports in the requested format
func printReports(w io.Writer, reports []*report.Report, format string) error {
	if format == "json" {
		return writeJSON(w, reports)
	}

	parts := make([]string, 0, len(reports))
	for _, rep := range reports {
		switch format {
		case "text", "":
			parts = append(parts, report.RenderText(rep, report.DefaultTheme()))
		case "markdown", "md":
			parts = append(parts, report.RenderMarkdown(rep))
		case "pretty":
			out, err := report.RenderPretty(rep, 100)
			if err != nil {
				return err
			}
			parts = append(parts, out)
		default:
			return fmt.Errorf("unknown format %q (valid: text, markdown, pretty, json)", format)
		}
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, "\n"))
	return err
}
