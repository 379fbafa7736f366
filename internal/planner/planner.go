// Package planner chooses a tool and argument vector for a target. The
// rule-based strategy is deterministic and always available; the assisted
// strategy asks an external collaborator and falls back to the rule-based
// plan whenever the response cannot be trusted.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/shlex"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/llm"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/metrics"
	"github.com/anstrom/scanpilot/internal/target"
	"github.com/anstrom/scanpilot/internal/tools"
)

// Strategy names how a plan was produced.
type Strategy string

const (
	StrategyRuleBased Strategy = "rule_based"
	StrategyAssisted  Strategy = "assisted"
)

// Planner decision outcomes, used as metric labels.
const (
	OutcomeAccepted = "accepted"
	OutcomeFallback = "fallback"
)

// DefaultHistorySize bounds how many prior jobs are sent as context.
const DefaultHistorySize = 5

const defaultAssistedRationale = "Assisted plan"

// Plan is the selected tool, its argument vector and the reason for it.
// Argv[0] is always the bare tool name.
type Plan struct {
	Tool      tools.Name `json:"tool"`
	Argv      []string   `json:"argv"`
	Rationale string     `json:"rationale"`
	Strategy  Strategy   `json:"strategy"`
}

// Command renders the argument vector for display only.
func (p Plan) Command() string {
	return strings.Join(p.Argv, " ")
}

// PriorJob summarizes an earlier job in the same session.
type PriorJob struct {
	Tool   string
	Status string
	Risk   string
}

// Request is the planner input.
type Request struct {
	Target   string
	Tool     string
	Assisted bool
	History  []PriorJob
}

// CheckFunc vets an assisted argument vector before it is accepted.
type CheckFunc func(argv []string) error

// Option configures a Planner.
type Option func(*Planner)

// WithCollaborator enables assisted planning.
func WithCollaborator(c llm.Collaborator) Option {
	return func(p *Planner) { p.collaborator = c }
}

// WithCheck installs an extra acceptance check for assisted plans,
// typically command.Validator.Validate.
func WithCheck(check CheckFunc) Option {
	return func(p *Planner) { p.check = check }
}

// WithHistorySize sets how many prior jobs are included in the request.
func WithHistorySize(n int) Option {
	return func(p *Planner) { p.historySize = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Planner) { p.metrics = m }
}

// Planner produces scan plans.
type Planner struct {
	policy       *tools.Policy
	collaborator llm.Collaborator
	check        CheckFunc
	historySize  int
	logger       *logging.Logger
	metrics      metrics.Recorder
}

// New creates a planner over policy.
func New(policy *tools.Policy, opts ...Option) *Planner {
	p := &Planner{policy: policy, historySize: DefaultHistorySize}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger).WithComponent("planner")
	p.metrics = metrics.OrNop(p.metrics)
	if p.historySize < 0 {
		p.historySize = 0
	}
	return p
}

// RuleBased returns the deterministic plan. A forced tool is honored even
// when it is not allowlisted; the validator rejects it later.
func (p *Planner) RuleBased(raw, forced string) Plan {
	tool := tools.Nmap
	rationale := "Network service scan"
	if f := strings.ToLower(strings.TrimSpace(forced)); f != "" {
		tool = tools.Name(f)
		rationale = fmt.Sprintf("Requested %s scan", tool)
	} else if target.IsWeb(raw) {
		tool = tools.Nikto
		rationale = "Web vulnerability scan"
	}

	normalized := target.Normalize(raw, tool)
	return Plan{
		Tool:      tool,
		Argv:      p.policy.CanonicalArgs(tool, normalized),
		Rationale: rationale + " (rule-based)",
		Strategy:  StrategyRuleBased,
	}
}

// Plan returns a plan for req. Assisted failures are logged and replaced
// by the rule-based plan; Plan itself never fails.
func (p *Planner) Plan(ctx context.Context, req Request) Plan {
	fallback := p.RuleBased(req.Target, req.Tool)
	if !req.Assisted {
		p.metrics.RecordPlannerDecision(string(StrategyRuleBased), OutcomeAccepted)
		return fallback
	}
	if p.collaborator == nil {
		p.logger.Debug("Assisted planning requested without collaborator")
		p.metrics.RecordPlannerDecision(string(StrategyAssisted), OutcomeFallback)
		return fallback
	}

	plan, err := p.assisted(ctx, req)
	if err != nil {
		p.logger.WarnRecovered("plan", scanerrors.ErrPlanning("assisted plan rejected", err),
			"target", req.Target, "fallback_tool", fallback.Tool)
		p.metrics.RecordPlannerDecision(string(StrategyAssisted), OutcomeFallback)
		return fallback
	}
	p.metrics.RecordPlannerDecision(string(StrategyAssisted), OutcomeAccepted)
	return plan
}

type assistedResponse struct {
	Tool      string `json:"tool"`
	Command   string `json:"command"`
	Rationale string `json:"rationale"`
}

var shellOperators = []string{";", "|", "||", "&", "&&", ">", ">>", "<", "<<"}

func (p *Planner) assisted(ctx context.Context, req Request) (plan Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during assisted planning: %v", r)
		}
	}()

	text, err := p.collaborator.GeneratePlan(ctx, p.BuildPrompt(req))
	if err != nil {
		return Plan{}, fmt.Errorf("collaborator: %w", err)
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return Plan{}, err
	}

	var resp assistedResponse
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return Plan{}, fmt.Errorf("decode response: %w", err)
	}

	name := strings.ToLower(strings.TrimSpace(resp.Tool))
	tool, known := tools.Parse(name)
	if !known || !p.policy.Allowed(name) {
		return Plan{}, fmt.Errorf("tool %q is not allowed", resp.Tool)
	}
	if forced := strings.ToLower(strings.TrimSpace(req.Tool)); forced != "" && forced != name {
		return Plan{}, fmt.Errorf("tool %q does not match requested %q", name, forced)
	}
	if strings.TrimSpace(resp.Command) == "" {
		return Plan{}, errors.New("empty command")
	}

	argv, err := shlex.Split(resp.Command)
	if err != nil {
		return Plan{}, fmt.Errorf("tokenize command: %w", err)
	}
	if len(argv) == 0 {
		return Plan{}, errors.New("empty command")
	}
	if argv[0] != string(tool) {
		return Plan{}, fmt.Errorf("command starts with %q, want %q", argv[0], tool)
	}
	for _, a := range argv {
		if slices.Contains(shellOperators, a) || strings.Contains(a, "`") || strings.Contains(a, "$(") {
			return Plan{}, fmt.Errorf("shell syntax in argument %q", a)
		}
	}
	if p.check != nil {
		if err := p.check(argv); err != nil {
			return Plan{}, err
		}
	}

	rationale := strings.TrimSpace(resp.Rationale)
	if rationale == "" {
		rationale = defaultAssistedRationale
	}
	return Plan{Tool: tool, Argv: argv, Rationale: rationale, Strategy: StrategyAssisted}, nil
}

// BuildPrompt renders the planning request text.
func (p *Planner) BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\n", strings.TrimSpace(req.Target))
	if forced := strings.TrimSpace(req.Tool); forced != "" {
		fmt.Fprintf(&b, "Requested tool: %s\n", forced)
	}

	names := make([]string, 0)
	for _, n := range p.policy.AllowedTools() {
		names = append(names, string(n))
	}
	fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(names, ", "))

	history := req.History
	if len(history) > p.historySize {
		history = history[:p.historySize]
	}
	if len(history) > 0 {
		b.WriteString("Previous scans in this session (newest first):\n")
		for _, h := range history {
			risk := h.Risk
			if risk == "" {
				risk = "unknown"
			}
			fmt.Fprintf(&b, "- %s: %s (risk: %s)\n", h.Tool, h.Status, risk)
		}
	}

	b.WriteString(`Respond with JSON only: {"tool": "<tool>", "command": "<full command line>", "rationale": "<one sentence>"}` + "\n")
	b.WriteString("The command must start with the tool name, must not write files and must not use shell operators.\n")
	return b.String()
}
