// Package kernel executes notebook cells written in Go with the yaegi
// interpreter. Each execution gets a fresh interpreter, so cells never see
// each other's declarations.
package kernel

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/extract"
)

// Kernel runs cell source
type Kernel struct {
	stdout io.Writer
	stderr io.Writer
}

// Option configures a Kernel
type Option func(*Kernel)

// WithOutput sends interpreted output to fixed writers instead of the
// process streams.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(k *Kernel) {
		k.stdout = stdout
		k.stderr = stderr
	}
}

// New creates a kernel. By default interpreted code writes to whatever
// os.Stdout and os.Stderr are at the time of the write, so output capture
// that swaps the process streams also captures cell output.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		stdout: processStream{func() *os.File { return os.Stdout }},
		stderr: processStream{func() *os.File { return os.Stderr }},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Execute runs source in a fresh interpreter and returns the resulting
// namespace. Parse and execution failures are *domain.CompileError.
// Output written while source runs is kept on the namespace; only output of
// later calls into the namespace reaches the kernel's writers.
func (k *Kernel) Execute(ctx context.Context, source string) (*Namespace, error) {
	source = stripPackageClause(source)
	if err := checkSource(source); err != nil {
		return nil, domain.NewCompileError(err)
	}

	out := &execOutput{}
	stdout, stderr := out.writer(k.stdout), out.writer(k.stderr)
	i := interp.New(interp.Options{
		Stdout: stdout,
		Stderr: stderr,
	})
	if err := i.Use(cellSymbols()); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	// os.Stdout and os.Stderr seen by the cell are the kernel's writers
	if err := i.Use(interp.Exports{"os/os": {
		"Stdout": reflect.ValueOf(&stdout).Elem(),
		"Stderr": reflect.ValueOf(&stderr).Elem(),
	}}); err != nil {
		return nil, fmt.Errorf("load stdio symbols: %w", err)
	}

	_, err := i.EvalWithContext(ctx, source)
	output := out.release()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewCompileError(err)
	}

	slog.Debug("cell executed", "bytes", len(source), "output", len(output))
	return &Namespace{interp: i, output: output}, nil
}

// Evaluate executes source and returns it as an extract.Namespace. It lets
// suites compile their reference source with the kernel.
func (k *Kernel) Evaluate(ctx context.Context, source string) (extract.Namespace, error) {
	ns, err := k.Execute(ctx, source)
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// Namespace is the set of names an executed cell declared
type Namespace struct {
	interp *interp.Interpreter
	output string
}

// Output returns what the cell printed while it was executed
func (n *Namespace) Output() string {
	return n.output
}

// Lookup returns the value bound to a top-level identifier.
func (n *Namespace) Lookup(name string) (v any, ok bool) {
	if !token.IsIdentifier(name) {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Debug("namespace lookup panicked", "name", name, "panic", r)
			v, ok = nil, false
		}
	}()

	rv, err := n.interp.Eval(name)
	if err != nil || !rv.IsValid() {
		return nil, false
	}
	if rv.Kind() == reflect.Func && rv.IsNil() {
		return nil, false
	}
	return rv.Interface(), true
}

// stripPackageClause blanks out a leading package clause. The interpreter
// evaluates cells as top-level declarations; a clause naming a package other
// than main would hide them behind that package. Blanking keeps line and
// column positions in error messages aligned with the cell.
func stripPackageClause(source string) string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "cell.go", source, parser.PackageClauseOnly)
	if err != nil {
		return source
	}
	start := fset.Position(f.Package).Offset
	end := fset.Position(f.Name.End()).Offset
	return source[:start] + strings.Repeat(" ", end-start) + source[end:]
}

// cellSymbols are the stdlib exports minus functions that run an interpreted
// callback on a goroutine of their own, where a panic cannot be recovered.
var cellSymbols = sync.OnceValue(func() interp.Exports {
	denied := map[string][]string{
		"context/context": {"AfterFunc"},
		"runtime/runtime": {"SetFinalizer", "AddCleanup"},
		"time/time":       {"AfterFunc"},
	}

	exports := maps.Clone(stdlib.Symbols)
	for pkg, names := range denied {
		if _, ok := exports[pkg]; !ok {
			continue
		}
		syms := maps.Clone(exports[pkg])
		for _, name := range names {
			delete(syms, name)
		}
		exports[pkg] = syms
	}
	return exports
})

// checkSource rejects constructs that start goroutines. Sources that do not
// parse pass through so the interpreter reports the syntax error.
func checkSource(source string) error {
	const prefix = "package main;"

	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "cell.go", prefix+source, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}

	var bad ast.Node
	var what string
	ast.Inspect(f, func(n ast.Node) bool {
		if bad != nil {
			return false
		}
		switch n := n.(type) {
		case *ast.GoStmt:
			bad, what = n, "go statements are not allowed in cells"
		case *ast.CallExpr:
			if sel, ok := n.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "Go" {
				bad, what = n, "Go methods start goroutines and are not allowed in cells"
			}
		}
		return bad == nil
	})
	if bad == nil {
		return nil
	}

	pos := fset.Position(bad.Pos())
	if pos.Line == 1 {
		pos.Column -= len(prefix)
	}
	return fmt.Errorf("%d:%d: %s", pos.Line, pos.Column, what)
}

// execOutput buffers interpreted output while a cell runs. Once released,
// writes go straight to the kernel's writers.
type execOutput struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	released bool
}

func (o *execOutput) writer(dst io.Writer) io.Writer {
	return phasedWriter{out: o, dst: dst}
}

func (o *execOutput) release() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = true
	return o.buf.String()
}

type phasedWriter struct {
	out *execOutput
	dst io.Writer
}

func (w phasedWriter) Write(b []byte) (int, error) {
	w.out.mu.Lock()
	if !w.out.released {
		defer w.out.mu.Unlock()
		return w.out.buf.Write(b)
	}
	w.out.mu.Unlock()
	return w.dst.Write(b)
}

// processStream writes to the current value of a process stream variable
type processStream struct {
	current func() *os.File
}

func (p processStream) Write(b []byte) (int, error) {
	return p.current().Write(b)
}
