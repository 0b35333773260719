// Package status models the coarse lifecycle status a hosted service
// reports to the operating system's service manager.
package status

import (
	"fmt"
	"sync"
	"time"
)

// State is the OS-visible lifecycle state. Valid transitions are
// StartPending → Running → StopPending → Stopped, or any state
// directly to Stopped with a nonzero exit code on failure.
type State int

const (
	Init State = iota
	StartPending
	Running
	StopPending
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case StartPending:
		return "start pending"
	case Running:
		return "running"
	case StopPending:
		return "stop pending"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Exit codes surfaced through the terminal status record.
const (
	ExitOK           = 0
	ExitStartFailure = 2
	ExitStopFailure  = 3
)

// Record is one whole status replace pushed to the service manager.
// Single writer (the lifecycle controller); the manager may read it
// at any time.
type Record struct {
	State      State
	ExitCode   int
	Checkpoint uint32
	// WaitHint is how long the manager should tolerate the current
	// pending state. Nonzero during pending states, zero at terminal
	// states. It must stay below the manager's kill threshold.
	WaitHint time.Duration
}

// Reporter pushes status records to the service manager. Report is
// called synchronously at every transition.
type Reporter interface {
	Report(rec Record) error
}

// Recorder keeps every reported record in order. The reporter for
// tests and for foreground runs without a service manager.
type Recorder struct {
	mx      sync.Mutex
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Report(rec Record) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a copy of everything reported so far.
func (r *Recorder) Records() []Record {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Last returns the most recent record, or the zero Record.
func (r *Recorder) Last() Record {
	r.mx.Lock()
	defer r.mx.Unlock()
	if len(r.records) == 0 {
		return Record{}
	}
	return r.records[len(r.records)-1]
}
