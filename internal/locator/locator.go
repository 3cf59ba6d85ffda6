package locator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// Context keys consulted when no explicit module hint is given
const (
	// NotebookNameKey holds the running notebook's name as reported by the host kernel.
	NotebookNameKey = "notebook_name"
	// EditorFileKey holds the notebook file path populated by VS Code.
	EditorFileKey = "__vsc_ipynb_file__"
)

// SuiteExt is the extension of hidden test suite files
const SuiteExt = ".yaml"

// Locator resolves exercise module names to hidden test suites
type Locator struct {
	testsDir string
}

// New creates a locator rooted at testsDir
func New(testsDir string) *Locator {
	return &Locator{testsDir: testsDir}
}

// TestsDir returns the directory suites are resolved against
func (l *Locator) TestsDir() string {
	return l.testsDir
}

// Resolve picks the module name from the hint or the execution context and
// returns the suite it names. The first non-empty source wins: hint, then
// notebook name, then the editor file path.
func (l *Locator) Resolve(hint string, execCtx map[string]string) (domain.ExerciseModule, error) {
	name := ModuleName(hint, execCtx)
	if name == "" {
		return domain.ExerciseModule{}, &domain.TestModuleNotFoundError{}
	}

	path := l.Path(name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return domain.ExerciseModule{}, &domain.TestModuleNotFoundError{Hint: name, Path: path}
	}

	return domain.ExerciseModule{Name: name, Path: path}, nil
}

// Path returns the canonical suite path for a module name
func (l *Locator) Path(name string) string {
	return filepath.Join(l.testsDir, "test_"+name+SuiteExt)
}

// ModuleName returns the module name without touching the filesystem
func ModuleName(hint string, execCtx map[string]string) string {
	if name := stripExt(strings.TrimSpace(hint)); name != "" {
		return name
	}
	if name := stripExt(strings.TrimSpace(execCtx[NotebookNameKey])); name != "" {
		return name
	}
	if p := strings.TrimSpace(execCtx[EditorFileKey]); p != "" {
		return stripExt(filepath.Base(p))
	}
	return ""
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
