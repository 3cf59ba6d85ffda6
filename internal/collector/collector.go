package collector

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/harness"
)

// Collector is a harness plugin that builds one TestCaseResult per test id.
// A collector belongs to a single harness session.
type Collector struct {
	mu       sync.Mutex
	results  map[string]*domain.TestCaseResult
	errPhase map[string]harness.Phase
	order    []string
}

// New creates an empty collector
func New() *Collector {
	return &Collector{
		results:  make(map[string]*domain.TestCaseResult),
		errPhase: make(map[string]harness.Phase),
	}
}

// OnCall records the outcome of the call phase: pass when the body returned
// cleanly, fail otherwise.
func (c *Collector) OnCall(item *harness.Item, call harness.CallInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.record(item.ID)
	if call.Err == nil {
		r.Outcome = domain.OutcomePass
		return
	}
	r.Outcome = domain.OutcomeFail
	c.attach(r, item, call)
}

// OnException classifies an error from any phase. Assertion failures are
// fails, anything else is an error. This verdict overrides OnCall's.
func (c *Collector) OnException(item *harness.Item, call harness.CallInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.record(item.ID)
	prev := r.Outcome
	var assertion *harness.AssertionError
	if errors.As(call.Err, &assertion) {
		r.Outcome = domain.OutcomeFail
	} else {
		r.Outcome = domain.OutcomeError
	}
	if r.Outcome == domain.OutcomeError && prev != domain.OutcomeError {
		// the error that made this an Error is the one to report
		delete(c.errPhase, item.ID)
	}
	c.attach(r, item, call)
}

// OnReport attaches captured output once the item is torn down.
func (c *Collector) OnReport(rep *harness.Report) {
	if rep.When != harness.PhaseTeardown {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.results[rep.Item.ID]
	if !ok {
		return
	}
	r.Stdout = rep.Stdout
	r.Stderr = rep.Stderr
}

// Results returns the records in execution order
func (c *Collector) Results() []domain.TestCaseResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.TestCaseResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.results[id])
	}
	return out
}

// Errors returns the errors of records classified as Error
func (c *Collector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, id := range c.order {
		if r := c.results[id]; r.Outcome == domain.OutcomeError && r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

func (c *Collector) record(id string) *domain.TestCaseResult {
	if r, ok := c.results[id]; ok {
		return r
	}
	r := &domain.TestCaseResult{TestID: id}
	c.results[id] = r
	c.order = append(c.order, id)
	return r
}

// attach stores the error of the first failing phase of a record.
func (c *Collector) attach(r *domain.TestCaseResult, item *harness.Item, call harness.CallInfo) {
	if phase, ok := c.errPhase[item.ID]; ok && phase != call.When {
		return
	}
	c.errPhase[item.ID] = call.When
	r.Err = call.Err
	r.Traceback = call.Stack
	r.Formatted = Format(item, call)
}

// Format renders the long form of a failure: where it happened, the case
// arguments and the chain of wrapped causes.
func Format(item *harness.Item, call harness.CallInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s failed during %s\n", item.ID, call.When)
	if len(item.Args) > 0 {
		b.WriteString("arguments:\n")
		for i, arg := range item.Args {
			fmt.Fprintf(&b, "  [%d] %#v\n", i, arg)
		}
	}

	fmt.Fprintf(&b, "%T: %v\n", call.Err, call.Err)
	for cause := errors.Unwrap(call.Err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "caused by %T: %v\n", cause, cause)
	}

	if call.Stack != "" {
		b.WriteString("stack:\n")
		b.WriteString(call.Stack)
	}
	return strings.TrimRight(b.String(), "\n")
}
