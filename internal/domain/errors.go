package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// -----------------------------------------------------------------------------
// Domain Errors
// These errors classify grading failures. Everything raised by learner code or
// by the hidden suites is folded into a GradingResult status; these values are
// what the status carries.
// -----------------------------------------------------------------------------

// Locator errors
var (
	ErrTestModuleNotFound = errors.New("test module not found")
)

// Extraction errors
var (
	ErrSolutionMissing = errors.New("no solution function found")
	ErrCompile         = errors.New("cell failed to compile")
)

// Runner errors
var (
	ErrFunctionNotFound = errors.New("no tests reference the function")
	ErrHarnessInternal  = errors.New("grading harness internal error")
	ErrGradingTimeout   = errors.New("grading timed out")
	ErrUnknown          = errors.New("unknown grading error")
)

// General errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// TestModuleNotFoundError reports a locator failure
type TestModuleNotFoundError struct {
	Hint string // the name that was tried, empty when nothing resolved
	Path string // canonical path that did not exist
}

func (e *TestModuleNotFoundError) Error() string {
	if e.Hint == "" {
		return "test module not found: no module name given and none could be inferred"
	}
	return fmt.Sprintf("test module not found: %q (looked for %s)", e.Hint, e.Path)
}

func (e *TestModuleNotFoundError) Unwrap() error { return ErrTestModuleNotFound }

// FunctionNotFoundError reports that no test matched an exercise name
type FunctionNotFoundError struct {
	Exercise string
	Module   string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("no tests named test_%s in module %q: check the solution_%s name",
		e.Exercise, e.Module, e.Exercise)
}

func (e *FunctionNotFoundError) Unwrap() error { return ErrFunctionNotFound }

// CompileError reports a cell that failed to parse or execute
type CompileError struct {
	Msg string
}

// NewCompileError wraps an execution failure, stripping terminal colour codes.
func NewCompileError(err error) *CompileError {
	return &CompileError{Msg: strings.TrimSpace(ansi.Strip(err.Error()))}
}

func (e *CompileError) Error() string { return e.Msg }

func (e *CompileError) Unwrap() error { return ErrCompile }
