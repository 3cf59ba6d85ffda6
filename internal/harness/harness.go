// Package harness is a small in-process test framework: it collects items
// from a source, selects them by keyword, resolves fixtures through plugins,
// runs each item through setup, call and teardown with output captured, and
// reports every phase to plugin hooks.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"
)

// ExitCode summarizes a session
type ExitCode int

const (
	ExitOK               ExitCode = 0
	ExitTestsFailed      ExitCode = 1
	ExitInterrupted      ExitCode = 2
	ExitInternalError    ExitCode = 3
	ExitUsageError       ExitCode = 4
	ExitNoTestsCollected ExitCode = 5
)

func (c ExitCode) String() string {
	switch c {
	case ExitOK:
		return "ok"
	case ExitTestsFailed:
		return "tests failed"
	case ExitInterrupted:
		return "interrupted"
	case ExitInternalError:
		return "internal error"
	case ExitUsageError:
		return "usage error"
	case ExitNoTestsCollected:
		return "no tests collected"
	default:
		return fmt.Sprintf("exit code %d", int(c))
	}
}

// Source yields the items of one test module
type Source interface {
	Collect() ([]*Item, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func() ([]*Item, error)

// Collect calls f
func (f SourceFunc) Collect() ([]*Item, error) { return f() }

// Config configures one harness session
type Config struct {
	Source  Source
	Keyword string    // substring the test name of an item id must contain; empty selects all
	Plugins []any     // values implementing any of the hook interfaces
	Output  io.Writer // session log; discarded when nil
	Verbose bool      // log every phase instead of one line per item
}

// Main runs a session and returns its exit code. It never panics: failures of
// the harness or of a plugin map to ExitInternalError.
func Main(ctx context.Context, cfg Config) (code ExitCode) {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	if cfg.Source == nil {
		fmt.Fprintln(out, "ERROR: no test source given")
		return ExitUsageError
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(out, "INTERNALERROR> %v\n%s", r, debug.Stack())
			code = ExitInternalError
		}
	}()

	items, err := cfg.Source.Collect()
	if err != nil {
		fmt.Fprintf(out, "ERROR collecting: %v\n", err)
		return ExitInterrupted
	}

	selected := selectItems(items, cfg.Keyword)
	fmt.Fprintf(out, "collected %d items / %d deselected / %d selected\n",
		len(items), len(items)-len(selected), len(selected))
	if len(selected) == 0 {
		return ExitNoTestsCollected
	}

	s := &session{cfg: cfg, out: out}
	start := time.Now()
	failed := 0
	for _, item := range selected {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "!!! interrupted: %v\n", ctx.Err())
			return ExitInterrupted
		}
		ok, err := s.runItem(ctx, item)
		if err != nil {
			fmt.Fprintf(out, "!!! interrupted: %v\n", err)
			return ExitInterrupted
		}
		if !ok {
			failed++
		}
	}

	fmt.Fprintf(out, "%d passed, %d failed in %s\n",
		len(selected)-failed, failed, time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		return ExitTestsFailed
	}
	return ExitOK
}

func selectItems(items []*Item, keyword string) []*Item {
	if keyword == "" {
		return items
	}
	var selected []*Item
	for _, item := range items {
		if strings.Contains(selectionName(item.ID), keyword) {
			selected = append(selected, item)
		}
	}
	return selected
}

// selectionName drops the file part of an item id, leaving the test name and
// its parametrization.
func selectionName(id string) string {
	if i := strings.LastIndex(id, "::"); i >= 0 {
		return id[i+2:]
	}
	return id
}

type session struct {
	cfg Config
	out io.Writer
}

// runItem runs the three phases of an item. It returns false when any phase
// failed, and an error only when ctx ended while the body was running.
func (s *session) runItem(ctx context.Context, item *Item) (bool, error) {
	capt, err := startCapture()
	if err != nil {
		panic(err)
	}
	captured := false
	stopCapture := func() (string, string) {
		if captured {
			return "", ""
		}
		captured = true
		return capt.stop()
	}
	defer stopCapture()

	passed := true

	fixtures, setup := s.setup(item)
	s.finishPhase(item, setup, "", "")
	if setup.Err != nil {
		passed = false
	}

	var t *T
	if setup.Err == nil {
		t = newT(item, fixtures)
		call, interrupted := s.call(ctx, t)
		if interrupted {
			stopCapture()
			return false, ctx.Err()
		}
		s.hooks(func(p any) {
			if h, ok := p.(CallHook); ok {
				h.OnCall(item, call)
			}
		})
		s.finishPhase(item, call, "", "")
		if call.Err != nil {
			passed = false
		}
	}

	teardown := s.teardown(t)
	stdout, stderr := stopCapture()
	s.finishPhase(item, teardown, stdout, stderr)
	if teardown.Err != nil {
		passed = false
	}

	if s.cfg.Verbose {
		return passed, nil
	}
	verdict := "PASSED"
	if !passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(s.out, "%s %s\n", item.ID, verdict)
	return passed, nil
}

func (s *session) setup(item *Item) (map[string]any, CallInfo) {
	start := time.Now()
	fixtures := make(map[string]any, len(item.Fixtures))

	for _, name := range item.Fixtures {
		v, err := s.resolveFixture(name, item)
		if err != nil {
			return nil, CallInfo{When: PhaseSetup, Err: err, Duration: time.Since(start)}
		}
		fixtures[name] = v
	}
	return fixtures, CallInfo{When: PhaseSetup, Duration: time.Since(start)}
}

func (s *session) resolveFixture(name string, item *Item) (v any, err error) {
	for _, p := range s.cfg.Plugins {
		provider, ok := p.(FixtureProvider)
		if !ok {
			continue
		}
		if v, ok := provider.ProvideFixture(name, item); ok {
			return v, nil
		}
	}
	return nil, &FixtureLookupError{Name: name, Item: item.ID}
}

// call runs the body on its own goroutine so FailNow and Raise can stop it
// with runtime.Goexit and panics can be recovered.
func (s *session) call(ctx context.Context, t *T) (CallInfo, bool) {
	start := time.Now()
	done := make(chan CallInfo, 1)

	go func() {
		finished := false
		defer func() {
			info := CallInfo{When: PhaseCall}
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				info.Err = &PanicError{Value: r, Stack: stack}
				info.Stack = stack
			} else {
				info.Stack, info.Err = t.result()
				if info.Err == nil && !finished {
					info.Err = &AssertionError{}
				}
			}
			info.Duration = time.Since(start)
			done <- info
		}()
		t.item.Body(t)
		finished = true
	}()

	select {
	case info := <-done:
		return info, false
	case <-ctx.Done():
		return CallInfo{When: PhaseCall, Err: ctx.Err(), Duration: time.Since(start)}, true
	}
}

func (s *session) teardown(t *T) CallInfo {
	start := time.Now()
	if t == nil {
		return CallInfo{When: PhaseTeardown}
	}

	t.mu.Lock()
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	var errs []error
	var stack string
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := runCleanup(cleanups[i]); err != nil {
			errs = append(errs, err)
			if stack == "" {
				stack = err.Stack
			}
		}
	}
	return CallInfo{When: PhaseTeardown, Err: errors.Join(errs...), Stack: stack, Duration: time.Since(start)}
}

func runCleanup(f func()) (perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	f()
	return nil
}

// finishPhase notifies exception and report hooks about a finished phase.
func (s *session) finishPhase(item *Item, info CallInfo, stdout, stderr string) {
	if info.Err != nil {
		s.hooks(func(p any) {
			if h, ok := p.(ExceptionHook); ok {
				h.OnException(item, info)
			}
		})
	}

	rep := &Report{
		Item:     item,
		When:     info.When,
		Passed:   info.Err == nil,
		Err:      info.Err,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: info.Duration,
	}
	s.hooks(func(p any) {
		if h, ok := p.(ReportHook); ok {
			h.OnReport(rep)
		}
	})

	if s.cfg.Verbose {
		status := "ok"
		if info.Err != nil {
			status = "error: " + info.Err.Error()
		}
		fmt.Fprintf(s.out, "%s [%s] %s\n", item.ID, info.When, status)
	}
}

func (s *session) hooks(call func(p any)) {
	for _, p := range s.cfg.Plugins {
		call(p)
	}
}
