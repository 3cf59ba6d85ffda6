package suite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// Summary describes a suite file without compiling it
type Summary struct {
	Module      string   `json:"module"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Exercises   []string `json:"exercises"`
	Tests       int      `json:"tests"`
	Cases       int      `json:"cases"`
}

// Registry lists the suites of a tests directory
type Registry struct {
	dir     string
	mu      sync.RWMutex
	suites  map[string]Summary
	invalid map[string]error
	loaded  bool
}

// NewRegistry creates a registry over dir
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		suites:  make(map[string]Summary),
		invalid: make(map[string]error),
	}
}

// Dir returns the tests directory
func (r *Registry) Dir() string {
	return r.dir
}

// Load scans the directory for test_*.yaml files. Files that fail to parse
// are kept aside and reported by Invalid.
func (r *Registry) Load() error {
	if _, err := os.Stat(r.dir); err != nil {
		return fmt.Errorf("tests dir %s: %w", r.dir, err)
	}
	paths, err := filepath.Glob(filepath.Join(r.dir, "test_*.yaml"))
	if err != nil {
		return fmt.Errorf("scan tests dir: %w", err)
	}

	suites := make(map[string]Summary, len(paths))
	invalid := make(map[string]error)
	for _, path := range paths {
		f, err := ParseFile(path)
		if err != nil {
			slog.Warn("skipping invalid suite", "path", path, "error", err)
			invalid[path] = err
			continue
		}
		s := summarize(path, f)
		suites[s.Module] = s
	}

	r.mu.Lock()
	r.suites = suites
	r.invalid = invalid
	r.loaded = true
	r.mu.Unlock()

	slog.Debug("loaded suites", "dir", r.dir, "count", len(suites), "invalid", len(invalid))
	return nil
}

// Reload rescans the directory
func (r *Registry) Reload() error {
	return r.Load()
}

func (r *Registry) ensureLoaded() error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	return r.Load()
}

// List returns all suites sorted by module name
func (r *Registry) List() ([]Summary, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.suites))
	for _, s := range r.suites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

// Get returns the suite of a module
func (r *Registry) Get(module string) (Summary, error) {
	if err := r.ensureLoaded(); err != nil {
		return Summary{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.suites[module]
	if !ok {
		return Summary{}, fmt.Errorf("suite %q: %w", module, domain.ErrNotFound)
	}
	return s, nil
}

// Invalid returns the files that failed to parse, keyed by path
func (r *Registry) Invalid() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]error, len(r.invalid))
	for k, v := range r.invalid {
		out[k] = v
	}
	return out
}

func summarize(path string, f *File) Summary {
	s := Summary{
		Module:      f.Module,
		Description: f.Description,
		Path:        path,
		Tests:       len(f.Tests),
	}
	if s.Module == "" {
		s.Module = strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "test_"), ".yaml")
	}

	seen := make(map[string]bool)
	for _, t := range f.Tests {
		s.Cases += len(t.Cases)
		if ex := exerciseOf(t.Name); !seen[ex] {
			seen[ex] = true
			s.Exercises = append(s.Exercises, ex)
		}
	}
	sort.Strings(s.Exercises)
	return s
}
