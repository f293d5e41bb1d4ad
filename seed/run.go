package seed

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle step of a run.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Counts is a snapshot of the outcome of a run.
type Counts struct {
	Total     uint64
	Generated uint64
	Skipped   uint64
	Failed    uint64
}

// Processed is the number of addresses with an outcome.
func (c Counts) Processed() uint64 {
	return c.Generated + c.Skipped + c.Failed
}

// Run is one seeding invocation. Counters are updated concurrently by the workers.
type Run struct {
	ID        string
	Tileset   string
	Overwrite bool
	Started   time.Time

	total     atomic.Uint64
	generated atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	state     atomic.Int32
	finished  atomic.Int64
}

// State returns the current state.
func (r *Run) State() State {
	return State(r.state.Load())
}

func (r *Run) setState(s State) {
	r.state.Store(int32(s))
}

// Counts returns the counters, each one is read atomically.
func (r *Run) Counts() Counts {
	return Counts{
		Total:     r.total.Load(),
		Generated: r.generated.Load(),
		Skipped:   r.skipped.Load(),
		Failed:    r.failed.Load(),
	}
}

// Duration is the time spent so far, or until completion.
func (r *Run) Duration() time.Duration {
	if f := r.finished.Load(); f != 0 {
		return time.Unix(0, f).Sub(r.Started)
	}
	return time.Since(r.Started)
}

// Success reports a completed run without any failed tile.
func (r *Run) Success() bool {
	return r.State() == Completed && r.failed.Load() == 0
}
