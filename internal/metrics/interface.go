package metrics

import "time"

// Recorder is the metrics surface used by the scan pipeline. Components
// accept a Recorder so tests can run without a Prometheus registry.
type Recorder interface {
	RecordJob(tool, status string, duration time.Duration)
	RecordJobError(tool, errorType string)
	JobStarted()
	JobFinished()
	RecordPlannerDecision(strategy, outcome string)
	RecordParse(tool string, parsed bool)
	RecordProbe(result string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordJob(string, string, time.Duration) {}
func (Nop) RecordJobError(string, string)           {}
func (Nop) JobStarted()                             {}
func (Nop) JobFinished()                            {}
func (Nop) RecordPlannerDecision(string, string)    {}
func (Nop) RecordParse(string, bool)                {}
func (Nop) RecordProbe(string)                      {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)
