package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanpilot/internal/command"
	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/metrics"
)

// DefaultGracePeriod is how long a terminated process gets before SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// FinishFunc processes a job once it leaves running. out is nil when the
// job timed out or its output could not be read; err describes why. The
// returned value is stored as the job's Result. It runs while the job is
// locked and must not call back into the Manager for the same job.
type FinishFunc func(ctx context.Context, job Job, out *executor.RawOutput, err error) any

// Option configures a Manager.
type Option func(*Manager)

// WithGracePeriod sets the wait between terminate and kill.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithFinisher sets the result processing callback.
func WithFinisher(f FinishFunc) Option {
	return func(m *Manager) { m.finish = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns detached jobs and supervises their deadlines.
type Manager struct {
	exec    *executor.Executor
	grace   time.Duration
	finish  FinishFunc
	logger  *logging.Logger
	metrics metrics.Recorder
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*record
}

// NewManager creates a manager that starts processes through exec.
func NewManager(exec *executor.Executor, opts ...Option) *Manager {
	m := &Manager{
		exec:  exec,
		grace: DefaultGracePeriod,
		now:   time.Now,
		jobs:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).WithComponent("jobs")
	m.metrics = metrics.OrNop(m.metrics)
	return m
}

// Start launches r detached and registers a running job. A spawn failure
// is returned to the caller and the job is recorded as failed.
func (m *Manager) Start(r command.Resolved, meta Meta) (Job, error) {
	rec := &record{job: Job{
		ID:        uuid.New().String(),
		Tool:      r.Tool,
		Argv:      r.Argv(),
		Target:    meta.Target,
		SessionID: meta.SessionID,
		Rationale: meta.Rationale,
		State:     StatePending,
		Timeout:   meta.Timeout,
	}}
	if rec.job.Timeout <= 0 {
		rec.job.Timeout = m.exec.Policy().Timeout(r.Tool)
	}

	m.mu.Lock()
	m.jobs[rec.job.ID] = rec
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	h, err := m.exec.RunAsync(r)
	if err != nil {
		rec.job.State = StateFailed
		rec.job.FinishedAt = m.now()
		rec.job.Error = err.Error()
		rec.released = true
		m.metrics.RecordJobError(string(r.Tool), string(scanerrors.GetCode(err)))
		m.logger.ErrorJob("Failed to start job", rec.job.ID, err, "tool", r.Tool)
		return rec.snapshot(), err
	}

	rec.handle = h
	rec.job.Argv = h.Command.Argv()
	rec.job.State = StateRunning
	rec.job.StartedAt = h.StartedAt
	rec.job.PID = h.Process.PID
	rec.job.StdoutPath = h.StdoutPath
	rec.job.StderrPath = h.StderrPath
	m.metrics.JobStarted()
	m.logger.InfoJob("Job started", rec.job.ID, "tool", r.Tool, "pid", h.Process.PID, "timeout", rec.job.Timeout)
	return rec.snapshot(), nil
}

// Get returns the stored view of a job without supervising it.
func (m *Manager) Get(id string) (Job, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), nil
}

// List returns every job, most recently started first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.jobs))
	for _, r := range m.jobs {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	out := make([]Job, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Check advances a running job: a job past its deadline is terminated and
// marked timeout, a job whose process is gone is collected and finished,
// and a live job within its deadline is left running. Terminal jobs are
// returned as stored.
func (m *Manager) Check(ctx context.Context, id string) (Job, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != StateRunning {
		return rec.snapshot(), nil
	}

	proc := rec.handle.Process
	switch {
	case m.now().Sub(rec.job.StartedAt) > rec.job.Timeout:
		m.expire(ctx, rec)
	case !proc.Alive():
		m.complete(ctx, rec)
	}
	return rec.snapshot(), nil
}

// CheckRunning checks every running job once and returns how many left
// the running state.
func (m *Manager) CheckRunning(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	finished := 0
	for _, id := range ids {
		before, err := m.Get(id)
		if err != nil || before.State != StateRunning {
			continue
		}
		after, err := m.Check(ctx, id)
		if err == nil && after.State.Terminal() {
			finished++
		}
	}
	return finished
}

func (m *Manager) lookup(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, scanerrors.ErrNotFound(id)
	}
	return rec, nil
}

// expire stops a job that ran past its deadline.
func (m *Manager) expire(ctx context.Context, rec *record) {
	proc := rec.handle.Process
	logger := m.logger.WithJobID(rec.job.ID)

	if err := proc.Terminate(); err != nil {
		logger.Warn("Terminate failed", "pid", proc.PID, "error", err)
	}
	if !proc.WaitExit(m.grace) {
		logger.Warn("Process ignored terminate, killing", "pid", proc.PID)
		if err := proc.Kill(); err != nil {
			logger.Error("Kill failed", "pid", proc.PID, "error", err)
		}
		proc.WaitExit(m.grace)
	}

	timeoutErr := scanerrors.ErrTimeout(string(rec.job.Tool), rec.job.Timeout)
	defer m.release(rec)

	rec.job.State = StateTimeout
	rec.job.Error = timeoutErr.Error()
	m.finalize(ctx, rec, nil, timeoutErr)
	m.metrics.RecordJobError(string(rec.job.Tool), string(scanerrors.CodeTimeout))
	logger.Warn("Job timed out", "tool", rec.job.Tool, "timeout", rec.job.Timeout)
}

// complete collects the output of a job whose process has exited.
func (m *Manager) complete(ctx context.Context, rec *record) {
	proc := rec.handle.Process
	// Liveness can report a zombie before the waiter has reaped it.
	proc.WaitExit(m.grace)

	defer m.release(rec)

	out, err := m.exec.Collect(rec.handle)
	switch {
	case err != nil:
		rec.job.State = StateFailed
		rec.job.Error = err.Error()
		m.metrics.RecordJobError(string(rec.job.Tool), "collect")
	case !out.OK:
		rec.job.State = StateFailed
		rec.job.Error = fmt.Sprintf("exit status %d", out.ExitCode)
		m.metrics.RecordJobError(string(rec.job.Tool), "exit_status")
	default:
		rec.job.State = StateCompleted
	}
	rec.job.Output = out
	m.finalize(ctx, rec, out, err)
	m.logger.InfoJob("Job finished", rec.job.ID, "state", rec.job.State, "exit_code", proc.ExitCode())
}

// finalize stamps the terminal transition and runs the finisher. A panic
// in the finisher is logged and does not skip sink cleanup.
func (m *Manager) finalize(ctx context.Context, rec *record, out *executor.RawOutput, err error) {
	rec.job.FinishedAt = m.now()
	rec.job.PID = 0
	m.metrics.JobFinished()
	m.metrics.RecordJob(string(rec.job.Tool), string(rec.job.State), rec.job.FinishedAt.Sub(rec.job.StartedAt))

	if m.finish == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorJob("Result processing panicked", rec.job.ID, fmt.Errorf("%v", r))
		}
	}()
	rec.job.Result = m.finish(ctx, rec.snapshot(), out, err)
}

// release removes the job's sinks. It runs at most once per job.
func (m *Manager) release(rec *record) {
	if rec.released {
		return
	}
	rec.released = true
	rec.job.StdoutPath = ""
	rec.job.StderrPath = ""
	if err := executor.Release(rec.handle); err != nil {
		m.logger.ErrorJob("Failed to remove output sinks", rec.job.ID, err)
	}
}
