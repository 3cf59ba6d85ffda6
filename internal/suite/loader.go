package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/extract"
	"gopkg.in/yaml.v3"
)

// File is the YAML structure of a hidden test suite
type File struct {
	Module          string            `yaml:"module"`
	Description     string            `yaml:"description"`
	ReferenceSource string            `yaml:"reference_source"`
	Solutions       map[string]string `yaml:"solutions"`
	Tests           []TestSpec        `yaml:"tests"`
}

// TestSpec is one test function with its parametrized cases
type TestSpec struct {
	Name      string     `yaml:"name"`
	Fixture   string     `yaml:"fixture"`
	Reference string     `yaml:"reference"`
	Compare   string     `yaml:"compare"`
	Tolerance float64    `yaml:"tolerance"`
	Cases     []CaseSpec `yaml:"cases"`
}

// CaseSpec is one parametrization of a test
type CaseSpec struct {
	ID   string    `yaml:"id"`
	Args []any     `yaml:"args"`
	Want yaml.Node `yaml:"want"`
}

// HasWant reports whether the case declares a literal expected value
func (c CaseSpec) HasWant() bool {
	return c.Want.Kind != 0
}

// Comparison modes
const (
	CompareEqual     = "equal"
	CompareUnordered = "unordered"
	CompareApprox    = "approx"
)

// Evaluator compiles reference source into a namespace of callables
type Evaluator interface {
	Evaluate(ctx context.Context, source string) (extract.Namespace, error)
}

// Loader reads suites from disk
type Loader struct {
	evaluator Evaluator
}

// NewLoader creates a loader. The evaluator compiles reference_source and may
// be nil for suites that only use literal expectations.
func NewLoader(evaluator Evaluator) *Loader {
	return &Loader{evaluator: evaluator}
}

// ParseFile reads and validates a suite file without compiling references
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse suite file: %w", err)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid suite %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Tests))
	for i := range f.Tests {
		t := &f.Tests[i]
		if !strings.HasPrefix(t.Name, "test_") {
			return fmt.Errorf("%w: test name %q must start with test_", domain.ErrInvalidInput, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate test %q", domain.ErrInvalidInput, t.Name)
		}
		seen[t.Name] = true

		if t.Fixture == "" {
			t.Fixture = domain.FixtureName
		}
		switch t.Compare {
		case "":
			t.Compare = CompareEqual
		case CompareEqual, CompareUnordered, CompareApprox:
		default:
			return fmt.Errorf("%w: test %q has unknown compare mode %q", domain.ErrInvalidInput, t.Name, t.Compare)
		}
		if t.Compare == CompareApprox && t.Tolerance == 0 {
			t.Tolerance = 1e-9
		}

		for j, c := range t.Cases {
			if !c.HasWant() && t.Reference == "" {
				return fmt.Errorf("%w: case %d of %q has no want and the test has no reference", domain.ErrInvalidInput, j, t.Name)
			}
		}
	}
	return nil
}

// Load reads a suite and compiles its reference source
func (l *Loader) Load(ctx context.Context, path string) (*Suite, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	s := &Suite{
		Path:      path,
		Base:      filepath.Base(path),
		File:      f,
		reference: extract.MapNamespace{},
	}

	if f.ReferenceSource != "" {
		if l.evaluator == nil {
			return nil, fmt.Errorf("suite %s has reference_source but no evaluator is configured", s.Base)
		}
		ns, err := l.evaluator.Evaluate(ctx, f.ReferenceSource)
		if err != nil {
			return nil, fmt.Errorf("compile reference source of %s: %w", s.Base, err)
		}
		s.reference = ns
	}

	for _, t := range f.Tests {
		if t.Reference == "" {
			continue
		}
		v, ok := s.reference.Lookup(t.Reference)
		if !ok || !extract.IsCallable(v) {
			return nil, fmt.Errorf("suite %s: reference %q of %s is not a function", s.Base, t.Reference, t.Name)
		}
	}

	return s, nil
}
