// Package orchestrator runs the scan pipeline end to end: normalize and
// probe the target, plan, validate, execute, then parse, analyze and hand
// the finished job to the storage sink exactly once.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanpilot/internal/analysis"
	"github.com/anstrom/scanpilot/internal/command"
	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/jobs"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/metrics"
	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/planner"
	"github.com/anstrom/scanpilot/internal/store"
	"github.com/anstrom/scanpilot/internal/target"
)

// Prober decides whether a target can be scanned.
type Prober interface {
	CheckReachable(ctx context.Context, t string) (bool, string)
}

// Request is one scan submission.
type Request struct {
	Target    string
	Tool      string
	SessionID string
	Assisted  bool
	Async     bool
	// Wordlist replaces the gobuster wordlist when set.
	Wordlist string
	// Timeout overrides the tool deadline when positive.
	Timeout time.Duration
}

// Outcome is the externally visible state of a scan.
type Outcome struct {
	JobID      string              `json:"job_id"`
	SessionID  string              `json:"session_id,omitempty"`
	Target     string              `json:"target"`
	Tool       string              `json:"tool"`
	Argv       []string            `json:"argv"`
	Rationale  string              `json:"rationale"`
	Strategy   planner.Strategy    `json:"strategy"`
	State      jobs.State          `json:"state"`
	Output     *executor.RawOutput `json:"output,omitempty"`
	Findings   *parser.Findings    `json:"findings,omitempty"`
	Analysis   analysis.Record     `json:"analysis,omitempty"`
	Risk       string              `json:"risk_level,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

// Deps are the pipeline components. Prober, Sink and History are optional.
type Deps struct {
	Planner   *planner.Planner
	Validator *command.Validator
	Executor  *executor.Executor
	Analyzer  *analysis.Analyzer
	Prober    Prober
	Sink      store.Sink
	History   store.HistoryReader
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithJobOptions passes options to the async job manager.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(o *Orchestrator) { o.jobOpts = append(o.jobOpts, opts...) }
}

// WithHistorySize sets how many prior jobs are read for assisted planning.
func WithHistorySize(n int) Option {
	return func(o *Orchestrator) { o.historySize = n }
}

// WithScratchDir sets where the bundled wordlist is materialized.
func WithScratchDir(dir string) Option {
	return func(o *Orchestrator) { o.wordlists.dir = dir }
}

// Orchestrator wires the pipeline components.
type Orchestrator struct {
	deps        Deps
	jobs        *jobs.Manager
	jobOpts     []jobs.Option
	wordlists   *wordlists
	historySize int
	logger      *logging.Logger
	metrics     metrics.Recorder
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		wordlists:   &wordlists{},
		historySize: planner.DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDefault(o.logger).WithComponent("orchestrator")
	o.metrics = metrics.OrNop(o.metrics)
	o.wordlists.configured = deps.Executor.Policy().Wordlist()

	jobOpts := append([]jobs.Option{
		jobs.WithLogger(o.logger),
		jobs.WithMetrics(o.metrics),
	}, o.jobOpts...)
	jobOpts = append(jobOpts, jobs.WithFinisher(o.finishJob))
	o.jobs = jobs.NewManager(deps.Executor, jobOpts...)
	return o
}

// Close removes the bundled wordlist written for gobuster scans. Call it
// once no job still needs the list.
func (o *Orchestrator) Close() error {
	return o.wordlists.cleanup()
}

// Jobs returns the async job manager.
func (o *Orchestrator) Jobs() *jobs.Manager {
	return o.jobs
}

// Plan returns the plan for a target without running anything.
func (o *Orchestrator) Plan(ctx context.Context, rawTarget, tool, sessionID string, assisted bool) planner.Plan {
	return o.deps.Planner.Plan(ctx, planner.Request{
		Target:   strings.TrimSpace(rawTarget),
		Tool:     tool,
		Assisted: assisted,
		History:  o.history(ctx, sessionID, assisted),
	})
}

// Scan runs the pipeline for req. Synchronous scans return the finished
// outcome; async scans return the running job. Validation, reachability,
// spawn and timeout failures are returned as typed errors; a timed-out
// synchronous scan also returns its outcome.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (*Outcome, error) {
	raw := strings.TrimSpace(req.Target)
	if raw == "" {
		return nil, scanerrors.ErrInvalidTarget(req.Target)
	}
	logger := o.logger.WithTarget(raw)

	if o.deps.Prober != nil {
		ok, reason := o.deps.Prober.CheckReachable(ctx, raw)
		if !ok {
			o.metrics.RecordProbe("unreachable")
			logger.Warn("Target unreachable", "reason", reason)
			return nil, scanerrors.ErrUnreachable(raw, reason)
		}
		o.metrics.RecordProbe("reachable")
	}

	plan := o.Plan(ctx, raw, req.Tool, req.SessionID, req.Assisted)
	logger.Info("Planned scan", "tool", plan.Tool, "strategy", plan.Strategy, "argv", plan.Argv)

	argv, err := o.wordlists.apply(plan.Tool, plan.Argv, req.Wordlist)
	if err != nil {
		return nil, err
	}

	resolved, err := o.deps.Validator.Validate(argv)
	if err != nil {
		logger.Warn("Command rejected", "error", err)
		return nil, err
	}

	if req.Async {
		job, err := o.jobs.Start(resolved, jobs.Meta{
			Target:    target.Normalize(raw, plan.Tool),
			SessionID: req.SessionID,
			Rationale: plan.Rationale,
			Timeout:   req.Timeout,
		})
		out := outcomeFromJob(job)
		out.Strategy = plan.Strategy
		if err != nil {
			return out, err
		}
		return out, nil
	}
	return o.runSync(ctx, req, plan, resolved)
}

func (o *Orchestrator) runSync(ctx context.Context, req Request, plan planner.Plan, resolved command.Resolved) (*Outcome, error) {
	info := jobs.Job{
		ID:        uuid.New().String(),
		Tool:      resolved.Tool,
		Argv:      resolved.Argv(),
		Target:    target.Normalize(strings.TrimSpace(req.Target), plan.Tool),
		SessionID: req.SessionID,
		Rationale: plan.Rationale,
		State:     jobs.StateRunning,
		StartedAt: time.Now(),
	}

	o.metrics.JobStarted()
	out, runErr := o.deps.Executor.RunSync(ctx, resolved, req.Timeout)
	o.metrics.JobFinished()

	switch {
	case scanerrors.IsCode(runErr, scanerrors.CodeTimeout):
		info.State = jobs.StateTimeout
	case runErr != nil, !out.OK:
		info.State = jobs.StateFailed
	default:
		info.State = jobs.StateCompleted
	}
	info.FinishedAt = time.Now()
	o.metrics.RecordJob(string(info.Tool), string(info.State), info.FinishedAt.Sub(info.StartedAt))
	if runErr != nil {
		o.metrics.RecordJobError(string(info.Tool), string(scanerrors.GetCode(runErr)))
	}

	result := o.finish(ctx, info, out, runErr)
	result.Strategy = plan.Strategy
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// Status supervises an async job and returns its current outcome.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := o.jobs.Check(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if result, ok := job.Result.(*Outcome); ok {
		return result, nil
	}
	return outcomeFromJob(job), nil
}

func (o *Orchestrator) finishJob(ctx context.Context, job jobs.Job, out *executor.RawOutput, err error) any {
	return o.finish(ctx, job, out, err)
}

// finish parses, analyzes and stores a job that left the running state.
func (o *Orchestrator) finish(ctx context.Context, job jobs.Job, out *executor.RawOutput, runErr error) *Outcome {
	result := outcomeFromJob(job)
	result.Output = out
	if runErr != nil {
		result.Error = runErr.Error()
	}

	var findings parser.Findings
	if out != nil {
		findings = parser.Parse(job.Tool, out.Stdout, out.Stderr)
		o.metrics.RecordParse(string(job.Tool), findings.Parsed)
		if !findings.Parsed && findings.Error != "" {
			o.logger.WarnRecovered("parse", scanerrors.ErrParse(string(job.Tool), findings.Error), "job_id", job.ID)
		}
		result.Findings = &findings
	}

	rec := o.deps.Analyzer.Analyze(ctx, analysis.Input{
		Target:   job.Target,
		Tool:     job.Tool,
		Output:   out,
		Findings: findings,
		Err:      runErr,
	})
	result.Analysis = rec
	result.Risk = analysis.Risk(rec)

	if o.deps.Sink != nil {
		entry := store.Entry{
			JobID:     job.ID,
			SessionID: job.SessionID,
			Target:    job.Target,
			Tool:      string(job.Tool),
			Args:      job.Argv,
			Status:    string(job.State),
			Error:     result.Error,
			Analysis:  rec,
			Risk:      result.Risk,
			CreatedAt: job.StartedAt,
		}
		if out != nil {
			entry.OK = out.OK
			entry.ExitCode = out.ExitCode
			entry.Stdout = out.Stdout
			entry.Stderr = out.Stderr
		}
		if err := o.deps.Sink.Write(ctx, entry); err != nil {
			o.logger.ErrorJob("Failed to store job", job.ID, err)
		}
	}

	o.logger.InfoJob("Scan finished", job.ID, "tool", job.Tool, "state", job.State, "risk", result.Risk)
	return result
}

func (o *Orchestrator) history(ctx context.Context, sessionID string, assisted bool) []planner.PriorJob {
	if !assisted || sessionID == "" || o.deps.History == nil || o.historySize <= 0 {
		return nil
	}
	summaries, err := o.deps.History.History(ctx, sessionID, o.historySize)
	if err != nil {
		o.logger.Warn("Failed to read session history", "session_id", sessionID, "error", err)
		return nil
	}
	prior := make([]planner.PriorJob, 0, len(summaries))
	for _, s := range summaries {
		prior = append(prior, planner.PriorJob{Tool: s.Tool, Status: s.Status, Risk: s.Risk})
	}
	return prior
}

func outcomeFromJob(job jobs.Job) *Outcome {
	return &Outcome{
		JobID:      job.ID,
		SessionID:  job.SessionID,
		Target:     job.Target,
		Tool:       string(job.Tool),
		Argv:       job.Argv,
		Rationale:  job.Rationale,
		State:      job.State,
		Output:     job.Output,
		Error:      job.Error,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
}
