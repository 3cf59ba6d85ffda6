package harness

import (
	"fmt"
	"strings"
)

// AssertionError is the harness's own failure signal: a test checked a value
// and the check did not hold. Every other error escaping a test is a crash.
type AssertionError struct {
	Messages []string
}

func (e *AssertionError) Error() string {
	switch len(e.Messages) {
	case 0:
		return "assertion failed"
	case 1:
		return e.Messages[0]
	default:
		return strings.Join(e.Messages, "\n")
	}
}

// PanicError wraps a value recovered from a panicking test or fixture
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FixtureLookupError reports a fixture no provider could supply
type FixtureLookupError struct {
	Name string
	Item string
}

func (e *FixtureLookupError) Error() string {
	return fmt.Sprintf("fixture %q not found for %s", e.Name, e.Item)
}
