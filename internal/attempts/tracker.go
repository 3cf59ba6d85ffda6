package attempts

import (
	"sort"
	"sync"
)

// Key identifies an exercise attempted from one cell. The cell id is the
// cell's stable identity, never its content.
type Key struct {
	CellID   string `json:"cell_id"`
	Exercise string `json:"exercise"`
}

// Count is a snapshot entry
type Count struct {
	Key
	Attempts int `json:"attempts"`
}

// Tracker counts grading attempts per (cell, exercise). Counts only grow;
// there is no reset short of creating a new tracker.
type Tracker struct {
	mu     sync.Mutex
	counts map[Key]int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[Key]int)}
}

// Increment records one more attempt and returns the new count
func (t *Tracker) Increment(cellID, exercise string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := Key{CellID: cellID, Exercise: exercise}
	t.counts[k]++
	return t.counts[k]
}

// Get returns the attempt count, zero when never graded
func (t *Tracker) Get(cellID, exercise string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[Key{CellID: cellID, Exercise: exercise}]
}

// Snapshot returns all counts ordered by cell then exercise
func (t *Tracker) Snapshot() []Count {
	t.mu.Lock()
	out := make([]Count, 0, len(t.counts))
	for k, n := range t.counts {
		out = append(out, Count{Key: k, Attempts: n})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CellID != out[j].CellID {
			return out[i].CellID < out[j].CellID
		}
		return out[i].Exercise < out[j].Exercise
	})
	return out
}
