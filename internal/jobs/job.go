// Package jobs tracks detached tool processes. Each job moves from pending
// to running to exactly one terminal state; the move out of running happens
// on demand, when a caller checks the job, and releases the job's process
// and output sinks exactly once.
package jobs

import (
	"sync"
	"time"

	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/tools"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// Meta is caller-supplied context carried with a job.
type Meta struct {
	Target    string
	SessionID string
	Rationale string
	// Timeout overrides the tool's deadline when positive.
	Timeout time.Duration
}

// Job is a point-in-time view of a tracked job.
type Job struct {
	ID         string              `json:"id"`
	Tool       tools.Name          `json:"tool"`
	Argv       []string            `json:"argv"`
	Target     string              `json:"target"`
	SessionID  string              `json:"session_id,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
	State      State               `json:"state"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	Timeout    time.Duration       `json:"timeout"`
	PID        int                 `json:"pid,omitempty"`
	StdoutPath string              `json:"stdout_path,omitempty"`
	StderrPath string              `json:"stderr_path,omitempty"`
	Output     *executor.RawOutput `json:"output,omitempty"`
	Error      string              `json:"error,omitempty"`
	Result     any                 `json:"result,omitempty"`
}

// record is the mutable job owned by the Manager. mu serializes checks so
// only one caller can move the job out of running.
type record struct {
	mu       sync.Mutex
	job      Job
	handle   *executor.Handle
	released bool
}

func (r *record) snapshot() Job {
	j := r.job
	j.Argv = append([]string(nil), r.job.Argv...)
	return j
}
