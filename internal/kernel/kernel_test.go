package kernel

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/extract"
)

func TestExecute_BindsFunctions(t *testing.T) {
	src := `import "strings"

func solution_add_one(lst []int) []int {
	out := make([]int, len(lst))
	for i, x := range lst {
		out[i] = x + 1
	}
	return out
}

func solution_shout(s string) string { return strings.ToUpper(s) }

var limit = 3
`
	ns, err := New().Execute(context.Background(), src)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	v, ok := ns.Lookup("solution_add_one")
	if !ok {
		t.Fatal("solution_add_one not bound")
	}
	out := reflect.ValueOf(v).Call([]reflect.Value{reflect.ValueOf([]int{1, 2, 3})})
	if got := out[0].Interface(); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Errorf("solution_add_one([1 2 3]) = %v", got)
	}

	shout, ok := ns.Lookup("solution_shout")
	if !ok {
		t.Fatal("solution_shout not bound")
	}
	if got := shout.(func(string) string)("hi"); got != "HI" {
		t.Errorf("solution_shout(hi) = %q", got)
	}

	if v, ok := ns.Lookup("limit"); !ok || extract.IsCallable(v) {
		t.Errorf("limit = %v, %v; want a bound non-callable", v, ok)
	}
}

func TestExecute_PackageClause(t *testing.T) {
	ns, err := New().Execute(context.Background(), "package exercises\n\nfunc solution_double(x int) int { return 2 * x }\n")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := ns.Lookup("solution_double"); !ok {
		t.Error("solution_double not bound")
	}
}

func TestExecute_CompileError(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", "func solution_add_one(lst []int) []int {\n\treturn lst\n"},
		{"undefined name", "func solution_add_one(lst []int) []int { return missing }\n"},
		{"type error", "var x int = \"text\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Execute(context.Background(), tt.src)
			if !errors.Is(err, domain.ErrCompile) {
				t.Fatalf("Execute() error = %v, want ErrCompile", err)
			}
			if strings.Contains(err.Error(), "\x1b[") {
				t.Errorf("error contains colour codes: %q", err.Error())
			}
		})
	}
}

func TestExecute_Output(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ns, err := New(WithOutput(&stdout, &stderr)).Execute(context.Background(), `import "fmt"

func solution_greet(name string) { fmt.Println("hello", name) }
`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	greet, _ := ns.Lookup("solution_greet")
	greet.(func(string))("ada")

	if stdout.String() != "hello ada\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestExecute_TopLevelOutputKept(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ns, err := New(WithOutput(&stdout, &stderr)).Execute(context.Background(), `import (
	"fmt"
	"os"
)

var _ = func() int {
	fmt.Println("loading")
	fmt.Fprintln(os.Stdout, "ready")
	fmt.Fprintln(os.Stderr, "warming up")
	return 0
}()

func solution_greet(name string) { fmt.Println("hello", name) }
`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := ns.Output(); got != "loading\nready\nwarming up\n" {
		t.Errorf("Output() = %q", got)
	}
	if stdout.Len() != 0 || stderr.Len() != 0 {
		t.Fatalf("execution output leaked: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}

	greet, _ := ns.Lookup("solution_greet")
	greet.(func(string))("ada")
	if stdout.String() != "hello ada\n" {
		t.Errorf("stdout after call = %q", stdout.String())
	}
}

func TestExecute_RejectsGoroutines(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "go statement",
			src:  "func solution_add_one(lst []int) []int {\n\tgo func() { panic(\"boom\") }()\n\treturn lst\n}\n",
			want: "2:2: go statements",
		},
		{
			name: "go statement after package clause",
			src:  "package exercises\n\nvar _ = func() int { go println(); return 0 }()\n",
			want: "go statements",
		},
		{
			name: "waitgroup go",
			src:  "import \"sync\"\n\nfunc solution_run() {\n\tvar wg sync.WaitGroup\n\twg.Go(func() { panic(\"boom\") })\n\twg.Wait()\n}\n",
			want: "Go methods",
		},
		{
			name: "time after func",
			src:  "import \"time\"\n\nfunc solution_later() { time.AfterFunc(0, func() { panic(\"boom\") }) }\n",
		},
		{
			name: "context after func",
			src:  "import \"context\"\n\nfunc solution_later() { context.AfterFunc(context.Background(), func() {}) }\n",
		},
		{
			name: "finalizer",
			src:  "import \"runtime\"\n\nfunc solution_later(p *int) { runtime.SetFinalizer(p, func(*int) { panic(\"boom\") }) }\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Execute(context.Background(), tt.src)
			if !errors.Is(err, domain.ErrCompile) {
				t.Fatalf("Execute() error = %v, want ErrCompile", err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Execute() error = %q, want it to mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestCheckSource(t *testing.T) {
	if err := checkSource("func f() {\n"); err != nil {
		t.Errorf("checkSource() on a syntax error = %v, want nil", err)
	}
	if err := checkSource("func solution_f(ch chan int) int { return <-ch }\n"); err != nil {
		t.Errorf("checkSource() = %v", err)
	}
	if err := checkSource("go f()\n"); err != nil {
		t.Errorf("checkSource() on a top-level statement = %v, want nil", err)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New().Execute(ctx, "func spin() { for {} }\n\nvar _ = func() int { spin(); return 0 }()\n")
	if err == nil {
		t.Fatal("Execute() error = nil, want cancellation")
	}
	if errors.Is(err, domain.ErrCompile) {
		t.Errorf("cancellation reported as compile error: %v", err)
	}
}

func TestNamespace_Lookup(t *testing.T) {
	ns, err := New().Execute(context.Background(), "func f() {}\n")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := ns.Lookup("g"); ok {
		t.Error("Lookup(g) found an undeclared name")
	}
	if _, ok := ns.Lookup("f()"); ok {
		t.Error("Lookup accepted an expression")
	}
}

func TestStripPackageClause(t *testing.T) {
	got := stripPackageClause("package main\nfunc f() {}\n")
	if got != "            \nfunc f() {}\n" {
		t.Errorf("stripPackageClause() = %q", got)
	}
	if got := stripPackageClause("func f() {}\n"); got != "func f() {}\n" {
		t.Errorf("stripPackageClause() without clause = %q", got)
	}
}
