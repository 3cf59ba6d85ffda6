package harness

import (
	"time"
)

// Phase is one stage of running a test item
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCall     Phase = "call"
	PhaseTeardown Phase = "teardown"
)

// CallInfo describes how one phase of an item ended
type CallInfo struct {
	When     Phase
	Err      error // nil when the phase completed cleanly
	Stack    string
	Duration time.Duration
}

// Report is emitted after every phase of every item. Captured output is
// complete on the teardown report.
type Report struct {
	Item     *Item
	When     Phase
	Passed   bool
	Err      error
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Plugins are plain values registered in Config.Plugins. The harness calls
// whichever of the hook interfaces below a plugin implements.

// FixtureProvider supplies values for the fixtures a test requests.
// Providers are consulted in registration order; the first hit wins.
type FixtureProvider interface {
	ProvideFixture(name string, item *Item) (any, bool)
}

// CallHook is invoked after the call phase of an item, whatever its outcome.
type CallHook interface {
	OnCall(item *Item, call CallInfo)
}

// ExceptionHook is invoked whenever any phase of an item ends with an error.
type ExceptionHook interface {
	OnException(item *Item, call CallInfo)
}

// ReportHook receives every phase report.
type ReportHook interface {
	OnReport(rep *Report)
}
