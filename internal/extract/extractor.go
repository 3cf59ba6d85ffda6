package extract

import (
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strings"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// cellPackage is the package clause synthesized for cells written without one
const cellPackage = "package cell; "

// Namespace exposes the values bound by executing a cell
type Namespace interface {
	Lookup(name string) (any, bool)
}

// MapNamespace is a Namespace backed by a plain map
type MapNamespace map[string]any

// Lookup returns the value bound to name
func (m MapNamespace) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Declaration is a top-level solution declaration found in cell source
type Declaration struct {
	Name     string // as written: solution_add_one
	Exercise string // marker stripped: add_one
	Source   string
	Line     int
}

// Declarations statically scans cell source for top-level solution
// functions: plain function declarations without a receiver and
// package-level variables initialized with a function literal.
func Declarations(source string) ([]Declaration, error) {
	file, offset, err := parseCell(source)
	if err != nil {
		return nil, domain.NewCompileError(err)
	}

	fset := file.fset
	var decls []Declaration

	add := func(name string, node ast.Node) {
		if !strings.HasPrefix(name, domain.SolutionPrefix) || name == domain.SolutionPrefix {
			return
		}
		start := fset.Position(node.Pos()).Offset - offset
		end := fset.Position(node.End()).Offset - offset
		if start < 0 {
			start = 0
		}
		decls = append(decls, Declaration{
			Name:     name,
			Exercise: strings.TrimPrefix(name, domain.SolutionPrefix),
			Source:   source[start:end],
			Line:     fset.Position(node.Pos()).Line,
		})
	}

	for _, d := range file.ast.Decls {
		switch decl := d.(type) {
		case *ast.FuncDecl:
			if decl.Recv != nil {
				continue
			}
			add(decl.Name.Name, decl)
		case *ast.GenDecl:
			if decl.Tok != token.VAR {
				continue
			}
			for _, spec := range decl.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for i, name := range vs.Names {
					if i >= len(vs.Values) {
						break
					}
					if _, isFunc := vs.Values[i].(*ast.FuncLit); !isFunc {
						continue
					}
					node := ast.Node(vs)
					if len(decl.Specs) == 1 && !decl.Lparen.IsValid() {
						node = decl
					}
					add(name.Name, node)
				}
			}
		}
	}

	return decls, nil
}

// Extract binds every solution declaration in source to the callable the
// namespace holds under the same name. Declarations whose name is absent from
// the namespace, or bound to something that is not a function, are skipped.
// The result is keyed by exercise name.
func Extract(source string, ns Namespace) (map[string]domain.CandidateFunction, error) {
	decls, err := Declarations(source)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]domain.CandidateFunction, len(decls))
	for _, d := range decls {
		v, ok := ns.Lookup(d.Name)
		if !ok || !IsCallable(v) {
			continue
		}
		candidates[d.Exercise] = domain.CandidateFunction{
			Exercise: d.Exercise,
			Name:     d.Name,
			Func:     v,
			Source:   d.Source,
		}
	}
	return candidates, nil
}

// IsCallable reports whether v is a non-nil function value
func IsCallable(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Func && !rv.IsNil()
}

type parsedCell struct {
	fset *token.FileSet
	ast  *ast.File
}

// parseCell parses source as a Go file, synthesizing a package clause when the
// cell has none. The returned offset is the length of any synthesized prefix.
func parseCell(source string) (parsedCell, int, error) {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "cell.go", source, parser.PackageClauseOnly); err == nil {
		f, err := parser.ParseFile(fset, "cell.go", source, parser.SkipObjectResolution|parser.ParseComments)
		return parsedCell{fset: fset, ast: f}, 0, err
	}

	fset = token.NewFileSet()
	f, err := parser.ParseFile(fset, "cell.go", cellPackage+source, parser.SkipObjectResolution|parser.ParseComments)
	return parsedCell{fset: fset, ast: f}, len(cellPackage), err
}

// FindFunc returns the source of the top-level function declared as name,
// for display of companion reference code.
func FindFunc(source, name string) (string, bool) {
	file, offset, err := parseCell(source)
	if err != nil {
		return "", false
	}
	for _, d := range file.ast.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != name {
			continue
		}
		start := file.fset.Position(fn.Pos()).Offset - offset
		end := file.fset.Position(fn.End()).Offset - offset
		if fn.Doc != nil {
			start = file.fset.Position(fn.Doc.Pos()).Offset - offset
		}
		return source[start:end], true
	}
	return "", false
}
