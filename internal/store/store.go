// Package store hands finished scan jobs to persistent storage. The pipeline
// writes each job exactly once through a Sink; sinks that can also answer
// per-session history feed the assisted planner.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the final record of one job as handed to a sink.
type Entry struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	Target    string    `json:"target"`
	Tool      string    `json:"tool"`
	Args      []string  `json:"args"`
	Status    string    `json:"status"`
	OK        bool      `json:"ok"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Error     string    `json:"error,omitempty"`
	Analysis  any       `json:"analysis"`
	Risk      string    `json:"risk_level"`
	CreatedAt time.Time `json:"created_at"`
}

// JobSummary is the condensed view of a prior job used as planning context.
type JobSummary struct {
	Tool      string    `db:"tool" json:"tool"`
	Status    string    `db:"status" json:"status"`
	Risk      string    `db:"risk_level" json:"risk_level"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Sink accepts finished jobs.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// HistoryReader returns up to n most recent job summaries for a session,
// newest first.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, n int) ([]JobSummary, error)
}

// Store is a sink that can also answer history queries.
type Store interface {
	Sink
	HistoryReader
	Close() error
}

func marshalAnalysis(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
