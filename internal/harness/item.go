package harness

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Item is one collected test invocation: a test function bound to one
// parametrized case.
type Item struct {
	ID       string   // functions.yaml::test_add_one[three]
	Name     string   // test_add_one
	Fixtures []string // fixture names the body requests
	Args     []any    // case arguments, shown in failure reports
	Body     func(t *T)
}

// T is handed to a test body. It satisfies testify's require.TestingT, so
// assert and require helpers can be used inside bodies.
type T struct {
	item     *Item
	fixtures map[string]any

	mu       sync.Mutex
	failures []string
	raised   error
	stack    string
	cleanups []func()
}

func newT(item *Item, fixtures map[string]any) *T {
	return &T{item: item, fixtures: fixtures}
}

// Name returns the item id
func (t *T) Name() string { return t.item.ID }

// Fixture returns the value resolved for a requested fixture
func (t *T) Fixture(name string) any {
	return t.fixtures[name]
}

// Helper is accepted for testify compatibility.
func (t *T) Helper() {}

// Errorf records an assertion failure and lets the body continue.
func (t *T) Errorf(format string, args ...any) {
	t.fail(fmt.Sprintf(format, args...))
}

// Error records an assertion failure built from args.
func (t *T) Error(args ...any) {
	t.fail(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

// Fail marks the test failed without a message.
func (t *T) Fail() {
	t.fail("")
}

// FailNow marks the test failed and stops the body.
func (t *T) FailNow() {
	t.mu.Lock()
	if len(t.failures) == 0 {
		t.failures = append(t.failures, "")
	}
	t.mu.Unlock()
	runtime.Goexit()
}

// Fatalf is Errorf followed by FailNow.
func (t *T) Fatalf(format string, args ...any) {
	t.Errorf(format, args...)
	t.FailNow()
}

// Raise stops the body with an error that is not an assertion failure.
func (t *T) Raise(err error) {
	t.mu.Lock()
	if t.raised == nil {
		t.raised = err
		t.stack = callers(3)
	}
	t.mu.Unlock()
	runtime.Goexit()
}

// Failed reports whether the body has recorded a failure or raised.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures) > 0 || t.raised != nil
}

// Logf writes to the test's captured stdout.
func (t *T) Logf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// Cleanup registers f to run during teardown, last registered first.
func (t *T) Cleanup(f func()) {
	t.mu.Lock()
	t.cleanups = append(t.cleanups, f)
	t.mu.Unlock()
}

func (t *T) fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, msg)
	if t.stack == "" {
		t.stack = callers(4)
	}
}

// result returns the error the body ended with and where it surfaced.
func (t *T) result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.raised != nil {
		return t.stack, t.raised
	}
	if len(t.failures) == 0 {
		return "", nil
	}
	var msgs []string
	for _, m := range t.failures {
		if m != "" {
			msgs = append(msgs, m)
		}
	}
	return t.stack, &AssertionError{Messages: msgs}
}

// callers formats the stack above skip frames, dropping runtime frames.
func callers(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
