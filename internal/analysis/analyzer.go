package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/llm"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/tools"
)

// maxPromptOutput bounds raw output quoted in an analysis request.
const maxPromptOutput = 4000

const schemaHint = `{
  "metadata": {"target": "<target>", "confidence": "Low|Medium|High"},
  "analysis": "technical analysis",
  "issue": {"type": "", "severity": "critical|high|medium|low|info", "endpoint": "", "parameter": "", "category": ""},
  "evidence": {"payload": "", "response_behavior": ""},
  "impact": "",
  "recommendations": [""],
  "next_actions": [""],
  "summary": "one sentence"
}`

// Input is everything the analysis stage knows about a finished job.
type Input struct {
	Target   string
	Tool     tools.Name
	Output   *executor.RawOutput
	Findings parser.Findings
	// Err is set when the job did not produce usable output.
	Err error
}

// Analyzer produces normalized records.
type Analyzer struct {
	collaborator llm.Collaborator
	logger       *logging.Logger
}

// NewAnalyzer creates an analyzer. A nil collaborator means templates only.
func NewAnalyzer(collaborator llm.Collaborator, logger *logging.Logger) *Analyzer {
	return &Analyzer{
		collaborator: collaborator,
		logger:       logging.OrDefault(logger).WithComponent("analysis"),
	}
}

// Analyze returns the normalized record for in. Collaborator failures fall
// back to the template record and are only logged.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Record {
	if in.Err != nil {
		return Failure(in.Target, in.Tool, in.Err.Error())
	}
	if in.Output == nil {
		return Failure(in.Target, in.Tool, "no output")
	}
	if !in.Output.OK && strings.TrimSpace(in.Output.Stdout) == "" {
		reason := fmt.Sprintf("exit status %d", in.Output.ExitCode)
		if stderr := strings.TrimSpace(in.Output.Stderr); stderr != "" {
			reason += ": " + firstLine(stderr)
		}
		return Failure(in.Target, in.Tool, reason)
	}

	if a.collaborator == nil {
		return Template(in.Target, in.Findings)
	}

	candidate, err := a.ask(ctx, in)
	if err != nil {
		a.logger.WarnRecovered("analysis", err, "target", in.Target, "tool", in.Tool)
		return Template(in.Target, in.Findings)
	}
	return Normalize(candidate, in.Target)
}

func (a *Analyzer) ask(ctx context.Context, in Input) (candidate map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during analysis: %v", r)
		}
	}()

	text, err := a.collaborator.GenerateAnalysis(ctx, BuildPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("collaborator: %w", err)
	}
	return llm.DecodeObject(text)
}

// BuildPrompt renders the analysis request for in. Parsed findings are sent
// as JSON; otherwise a bounded slice of the raw output is quoted.
func BuildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\nTool: %s\n\n", in.Target, in.Tool)

	switch in.Tool {
	case tools.Nmap:
		b.WriteString("Assess the exposed network services.\n")
	case tools.Nikto:
		b.WriteString("Assess the web server findings.\n")
	case tools.Gobuster:
		b.WriteString("Assess the discovered paths for sensitive content.\n")
	case tools.Sqlmap:
		b.WriteString("Assess the SQL injection test results.\n")
	}

	if in.Findings.Parsed {
		data, err := json.MarshalIndent(in.Findings, "", "  ")
		if err == nil {
			b.WriteString("Structured findings:\n")
			b.Write(data)
			b.WriteString("\n")
		}
	} else if in.Output != nil {
		out := in.Output.Stdout
		if len(out) > maxPromptOutput {
			out = out[:maxPromptOutput]
		}
		b.WriteString("Raw output:\n")
		b.WriteString(out)
		b.WriteString("\n")
	}

	b.WriteString("\nReturn only JSON with this shape:\n")
	b.WriteString(strings.ReplaceAll(schemaHint, "<target>", in.Target))
	b.WriteString("\nOnly suggest follow-up actions using nmap, nikto, gobuster or sqlmap.\n")
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
