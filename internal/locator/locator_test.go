package locator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

func writeSuite(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, "test_"+name+".yaml")
	if err := os.WriteFile(path, []byte("module: "+name+"\n"), 0644); err != nil {
		t.Fatalf("write suite: %v", err)
	}
	return path
}

func TestModuleName(t *testing.T) {
	tests := []struct {
		name    string
		hint    string
		execCtx map[string]string
		want    string
	}{
		{"explicit hint", "functions", nil, "functions"},
		{"hint with notebook suffix", "functions.ipynb", nil, "functions"},
		{"hint with go suffix", "functions.go", nil, "functions"},
		{"hint wins over context", "functions", map[string]string{NotebookNameKey: "other"}, "functions"},
		{"notebook name", "", map[string]string{NotebookNameKey: "basics.ipynb"}, "basics"},
		{"notebook name wins over editor", "", map[string]string{
			NotebookNameKey: "basics",
			EditorFileKey:   "/home/me/loops.ipynb",
		}, "basics"},
		{"editor file path", "", map[string]string{EditorFileKey: "/home/me/course/loops.ipynb"}, "loops"},
		{"blank hint falls through", "  ", map[string]string{EditorFileKey: "x/strings.ipynb"}, "strings"},
		{"nothing resolves", "", map[string]string{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ModuleName(tt.hint, tt.execCtx); got != tt.want {
				t.Errorf("ModuleName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	want := writeSuite(t, dir, "functions")
	l := New(dir)

	mod, err := l.Resolve("functions.py", nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mod.Name != "functions" || mod.Path != want {
		t.Errorf("Resolve() = %+v, want name functions path %s", mod, want)
	}

	again, err := l.Resolve("functions.py", nil)
	if err != nil || again != mod {
		t.Errorf("second Resolve() = %+v, %v; want %+v", again, err, mod)
	}
}

func TestResolve_FromContext(t *testing.T) {
	dir := t.TempDir()
	writeSuite(t, dir, "loops")
	l := New(dir)

	mod, err := l.Resolve("", map[string]string{EditorFileKey: "/work/loops.ipynb"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mod.Name != "loops" {
		t.Errorf("Name = %q, want loops", mod.Name)
	}
}

func TestResolve_Errors(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "test_dir.yaml"), 0755); err != nil {
		t.Fatal(err)
	}
	l := New(dir)

	tests := []struct {
		name     string
		hint     string
		wantHint string
	}{
		{"no hint", "", ""},
		{"missing file", "missing", "missing"},
		{"directory instead of file", "dir", "dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Resolve(tt.hint, nil)
			if !errors.Is(err, domain.ErrTestModuleNotFound) {
				t.Fatalf("Resolve() error = %v, want ErrTestModuleNotFound", err)
			}
			var notFound *domain.TestModuleNotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("error is %T", err)
			}
			if notFound.Hint != tt.wantHint {
				t.Errorf("Hint = %q, want %q", notFound.Hint, tt.wantHint)
			}
		})
	}
}

func TestPath(t *testing.T) {
	l := New("tests")
	if got := l.Path("functions"); got != filepath.Join("tests", "test_functions.yaml") {
		t.Errorf("Path() = %q", got)
	}
}
