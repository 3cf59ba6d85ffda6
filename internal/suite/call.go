package suite

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/felixgeelhaar/cellgrade/internal/harness"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ErrNotCallable is raised when a fixture does not hold a function
var ErrNotCallable = errors.New("function under test is not callable")

// ArgumentError reports case arguments the function cannot accept
type ArgumentError struct {
	Func  string
	Index int // -1 for an arity mismatch
	Want  int
	Got   int
	Err   error
}

func (e *ArgumentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s takes %d arguments but %d were given", e.Func, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: argument %d: %v", e.Func, e.Index, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// CallError wraps a non-nil error returned by the function under test
type CallError struct {
	Func string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s returned error: %v", e.Func, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// caseBody builds the harness body of one case. Mismatches are assertion
// failures; everything the function under test does wrong besides returning
// the wrong value is raised as a plain error.
func caseBody(t TestSpec, c CaseSpec, ref reflect.Value) func(*harness.T) {
	exercise := exerciseOf(t.Name)

	return func(ht *harness.T) {
		fn := reflect.ValueOf(ht.Fixture(t.Fixture))
		if fn.Kind() != reflect.Func || fn.IsNil() {
			ht.Raise(fmt.Errorf("%w: fixture %s holds %T", ErrNotCallable, t.Fixture, ht.Fixture(t.Fixture)))
		}

		got, err := Call(exercise, fn, c.Args)
		if err != nil {
			ht.Raise(err)
		}

		var want any
		if c.HasWant() {
			if err := c.Want.Decode(&want); err != nil {
				ht.Raise(fmt.Errorf("decode expected value: %w", err))
			}
		} else {
			want, err = Call(t.Reference, ref, c.Args)
			if err != nil {
				ht.Raise(fmt.Errorf("reference implementation: %w", err))
			}
		}
		want = align(want, got)

		if diff := cmp.Diff(want, got, compareOptions(t)...); diff != "" {
			ht.Errorf("%s(%s) = %#v, want %#v\ndiff (-want +got):\n%s",
				exercise, formatArgs(c.Args), got, want, diff)
		}
	}
}

// Call invokes fn with args converted to its parameter types. A trailing
// error result is split off and returned as a CallError when non-nil. Zero
// results yield nil, one result yields the value, more yield []any.
func Call(name string, fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()
	n := ft.NumIn()

	if ft.IsVariadic() {
		if len(args) < n-1 {
			return nil, &ArgumentError{Func: name, Index: -1, Want: n - 1, Got: len(args)}
		}
	} else if len(args) != n {
		return nil, &ArgumentError{Func: name, Index: -1, Want: n, Got: len(args)}
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := paramType(ft, i)
		v, err := convert(a, pt)
		if err != nil {
			return nil, &ArgumentError{Func: name, Index: i, Err: err}
		}
		in[i] = v
	}

	out := fn.Call(in)
	if k := len(out); k > 0 && ft.Out(k-1) == errorType {
		if !out[k-1].IsNil() {
			return nil, &CallError{Func: name, Err: out[k-1].Interface().(error)}
		}
		out = out[:k-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		vals := make([]any, len(out))
		for i, o := range out {
			vals[i] = o.Interface()
		}
		return vals, nil
	}
}

func paramType(ft reflect.Type, i int) reflect.Type {
	if ft.IsVariadic() && i >= ft.NumIn()-1 {
		return ft.In(ft.NumIn() - 1).Elem()
	}
	return ft.In(i)
}

// convert turns a decoded YAML value into a value of type t.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if vt := reflect.TypeOf(v); vt.AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(reflect.ValueOf(v))
		return out, nil
	}
	if t.Kind() == reflect.Interface {
		return reflect.Value{}, fmt.Errorf("%T does not implement %s", v, t)
	}

	ptr := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  ptr.Interface(),
		TagName: "yaml",
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(v); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %#v as %s: %w", v, t, err)
	}
	return ptr.Elem(), nil
}

// align converts an expected value to the type of the actual value so the
// comparison sees like against like. Values that do not convert are left as
// they are and show up in the diff.
func align(want, got any) any {
	if want == nil || got == nil {
		return want
	}

	if ws, ok := want.([]any); ok {
		if gs, ok := got.([]any); ok && len(ws) == len(gs) {
			out := make([]any, len(ws))
			for i := range ws {
				out[i] = align(ws[i], gs[i])
			}
			return out
		}
	}

	gt := reflect.TypeOf(got)
	if reflect.TypeOf(want) == gt {
		return want
	}
	v, err := convert(want, gt)
	if err != nil {
		return want
	}
	return v.Interface()
}

func compareOptions(t TestSpec) []cmp.Option {
	opts := []cmp.Option{
		cmpopts.EquateEmpty(),
		cmp.Exporter(func(reflect.Type) bool { return true }),
	}
	switch t.Compare {
	case CompareUnordered:
		opts = append(opts, cmpopts.SortSlices(func(a, b any) bool {
			return fmt.Sprint(a) < fmt.Sprint(b)
		}))
	case CompareApprox:
		opts = append(opts, cmpopts.EquateApprox(0, t.Tolerance), cmpopts.EquateNaNs())
	}
	return opts
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%#v", a)
	}
	return strings.Join(parts, ", ")
}
