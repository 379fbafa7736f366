package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanpilot/internal/executor"
	"github.com/anstrom/scanpilot/internal/llm/mocks"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/tools"
)

func assertCanonical(t *testing.T, rec Record) {
	t.Helper()
	for _, key := range RequiredKeys() {
		require.Contains(t, rec, key)
	}
	for _, key := range []string{KeyMetadata, KeyIssue, KeyEvidence} {
		require.IsType(t, map[string]any{}, rec[key], key)
	}
	for _, key := range []string{KeyRecommendations, KeyNextActions} {
		require.IsType(t, []any{}, rec[key], key)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	rec := Normalize(map[string]any{}, "example.com")
	assertCanonical(t, rec)

	assert.Equal(t, "No significant impact identified for example.com.", rec.Summary())
	assert.Equal(t, "example.com", rec[KeyMetadata].(map[string]any)["target"])
	assert.Equal(t, RiskInfo, rec[KeyIssue].(map[string]any)["severity"])
	assert.Empty(t, rec[KeyRecommendations])
	assert.Equal(t, RiskInfo, Risk(rec))
}

func TestNormalizeNil(t *testing.T) {
	assertCanonical(t, Normalize(nil, "host"))
}

func TestNormalizeMergesPartialBlocks(t *testing.T) {
	candidate := map[string]any{
		"issue":           map[string]any{"severity": "high", "type": "SQL injection"},
		"evidence":        map[string]any{"payload": "id=1 AND 1=1"},
		"summary":         "Injection found.",
		"recommendations": "Use prepared statements",
		"next_actions":    []string{"Dump tables"},
		"extra":           42,
	}
	rec := Normalize(candidate, "http://example.com")
	assertCanonical(t, rec)

	issue := rec[KeyIssue].(map[string]any)
	assert.Equal(t, "high", issue["severity"])
	assert.Equal(t, "SQL injection", issue["type"])
	assert.Equal(t, "http://example.com", issue["endpoint"])
	assert.Equal(t, "N/A", issue["parameter"])

	evidence := rec[KeyEvidence].(map[string]any)
	assert.Equal(t, "id=1 AND 1=1", evidence["payload"])
	assert.Equal(t, "N/A", evidence["response_behavior"])

	assert.Equal(t, "Injection found.", rec.Summary())
	assert.Equal(t, []any{"Use prepared statements"}, rec[KeyRecommendations])
	assert.Equal(t, []any{"Dump tables"}, rec[KeyNextActions])
	assert.Equal(t, 42, rec["extra"])
	assert.Equal(t, RiskHigh, Risk(rec))

	// The candidate itself is untouched.
	assert.NotContains(t, candidate["issue"].(map[string]any), "endpoint")
}

func TestNormalizeReplacesMalformedBlocks(t *testing.T) {
	rec := Normalize(map[string]any{
		"issue":    "critical bug",
		"metadata": nil,
		"summary":  "   ",
	}, "host")
	assertCanonical(t, rec)
	assert.Equal(t, DefaultSummary("host"), rec.Summary())
	assert.Equal(t, "host", rec[KeyMetadata].(map[string]any)["target"])
}

func TestNormalizeIsIdempotent(t *testing.T) {
	once := Normalize(map[string]any{"issue": map[string]any{"severity": "low"}}, "host")
	twice := Normalize(once, "host")
	assert.Equal(t, once, twice)
}

func TestRisk(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"issue severity", map[string]any{"issue": map[string]any{"severity": "Critical"}}, RiskCritical},
		{"legacy risk", map[string]any{"risk": "Medium"}, RiskMedium},
		{"legacy risk_level", map[string]any{"risk_level": "low"}, RiskLow},
		{"severity wins over legacy", map[string]any{"risk": "low", "issue": map[string]any{"severity": "high"}}, RiskHigh},
		{"unknown value", map[string]any{"risk": "unknown"}, RiskInfo},
		{"informational", map[string]any{"issue": map[string]any{"severity": "informational"}}, RiskInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Risk(Normalize(tt.in, "host")))
		})
	}
}

func TestTemplateNmap(t *testing.T) {
	f := parser.Findings{
		Tool:   "nmap",
		Parsed: true,
		Hosts: []parser.Host{{
			Address: "93.184.216.34",
			Ports: []parser.Port{
				{Port: "22", Protocol: "tcp", State: "open", Service: &parser.Service{Name: "ssh"}},
				{Port: "80", Protocol: "tcp", State: "open", Service: &parser.Service{Name: "http"}},
				{Port: "443", Protocol: "tcp", State: "closed"},
			},
		}},
	}
	rec := Template("example.com", f)
	assertCanonical(t, rec)

	assert.Equal(t, RiskLow, Risk(rec))
	assert.Contains(t, rec.Summary(), "22/tcp ssh")
	assert.Contains(t, rec[KeyRecommendations], "Check the SSH version and disable root login")
	assert.Contains(t, rec[KeyNextActions], "Run nikto against the web service")
}

func TestTemplateNmapBackdoorPort(t *testing.T) {
	f := parser.Findings{Tool: "nmap", Parsed: true, Hosts: []parser.Host{{
		Ports: []parser.Port{{Port: "31337", Protocol: "tcp", State: "open"}},
	}}}
	assert.Equal(t, RiskHigh, Risk(Template("host", f)))
}

func TestTemplateNmapNothingOpen(t *testing.T) {
	rec := Template("host", parser.Findings{Tool: "nmap", Parsed: true})
	assert.Equal(t, DefaultSummary("host"), rec.Summary())
	assert.Equal(t, RiskInfo, Risk(rec))
}

func TestTemplateGobuster(t *testing.T) {
	f := parser.Findings{Tool: "gobuster", Parsed: true, Paths: []parser.PathFinding{
		{Path: "/images", Status: 301},
		{Path: "/admin", Status: 200},
	}}
	rec := Template("http://example.com", f)
	assertCanonical(t, rec)
	assert.Equal(t, RiskMedium, Risk(rec))
	assert.Equal(t, "/admin", rec[KeyIssue].(map[string]any)["endpoint"])
}

func TestTemplateNikto(t *testing.T) {
	f := parser.Findings{Tool: "nikto", Parsed: true, Items: []parser.NiktoItem{
		{ID: "999986", Description: "Missing X-Frame-Options header", URI: "/"},
	}}
	rec := Template("http://example.com", f)
	assert.Equal(t, RiskLow, Risk(rec))
	assert.Equal(t, "Missing X-Frame-Options header", rec[KeyEvidence].(map[string]any)["response_behavior"])
}

func TestTemplateSqlmap(t *testing.T) {
	vulnerable := true
	f := parser.Findings{
		Tool: "sqlmap", Parsed: true, Vulnerable: &vulnerable,
		Parameters: []string{"id"}, Payloads: []string{"id=1 AND 5678=5678"},
	}
	rec := Template("http://example.com/?id=1", f)
	assert.Equal(t, RiskHigh, Risk(rec))
	issue := rec[KeyIssue].(map[string]any)
	assert.Equal(t, "id", issue["parameter"])
	assert.Equal(t, "id=1 AND 5678=5678", rec[KeyEvidence].(map[string]any)["payload"])

	notVulnerable := false
	f.Vulnerable = &notVulnerable
	assert.Equal(t, RiskInfo, Risk(Template("http://example.com/?id=1", f)))
}

func TestTemplateUnparsed(t *testing.T) {
	rec := Template("host", parser.Findings{Tool: "nmap", Parsed: false, Error: "XML parse error: EOF"})
	assertCanonical(t, rec)
	assert.Contains(t, rec[KeyAnalysis], "XML parse error")
	assert.Equal(t, "Low", rec[KeyMetadata].(map[string]any)["confidence"])
}

func TestFailure(t *testing.T) {
	rec := Failure("host", tools.Nikto, "timeout")
	assertCanonical(t, rec)
	assert.Equal(t, "timeout", rec["error"])
	assert.Contains(t, rec.Summary(), "failed")
}

func TestAnalyzeWithoutCollaborator(t *testing.T) {
	a := NewAnalyzer(nil, logging.Discard())
	rec := a.Analyze(context.Background(), Input{
		Target:   "http://example.com",
		Tool:     tools.Gobuster,
		Output:   &executor.RawOutput{OK: true, Stdout: "/admin (Status: 200)"},
		Findings: parser.Findings{Tool: "gobuster", Parsed: true, Paths: []parser.PathFinding{{Path: "/admin", Status: 200}}},
	})
	assert.Equal(t, "template", rec[KeyMetadata].(map[string]any)["source"])
}

func TestAnalyzeFailures(t *testing.T) {
	a := NewAnalyzer(nil, logging.Discard())

	rec := a.Analyze(context.Background(), Input{Target: "host", Tool: tools.Nmap, Err: errors.New("timeout")})
	assert.Equal(t, "timeout", rec["error"])

	rec = a.Analyze(context.Background(), Input{Target: "host", Tool: tools.Nmap,
		Output: &executor.RawOutput{ExitCode: 1, Stderr: "Failed to resolve \"host\".\nQUITTING!"}})
	assert.Equal(t, `exit status 1: Failed to resolve "host".`, rec["error"])
}

func TestAnalyzeWithCollaborator(t *testing.T) {
	ctrl := gomock.NewController(t)
	collab := mocks.NewMockCollaborator(ctrl)

	var prompt string
	collab.EXPECT().GenerateAnalysis(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p string) (string, error) {
			prompt = p
			return "Here is the analysis:\n```json\n{\"issue\": {\"severity\": \"critical\"}, \"summary\": \"Injectable.\"}\n```", nil
		})

	vulnerable := true
	a := NewAnalyzer(collab, logging.Discard())
	rec := a.Analyze(context.Background(), Input{
		Target:   "http://example.com/?id=1",
		Tool:     tools.Sqlmap,
		Output:   &executor.RawOutput{OK: true, Stdout: "..."},
		Findings: parser.Findings{Tool: "sqlmap", Parsed: true, Vulnerable: &vulnerable},
	})

	assertCanonical(t, rec)
	assert.Equal(t, "Injectable.", rec.Summary())
	assert.Equal(t, RiskCritical, Risk(rec))
	assert.Contains(t, prompt, "Target: http://example.com/?id=1")
	assert.Contains(t, prompt, `"vulnerable": true`)
}

func TestAnalyzeCollaboratorFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{"error", "", errors.New("rate limited")},
		{"not json", "The host looks fine.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			collab := mocks.NewMockCollaborator(ctrl)
			collab.EXPECT().GenerateAnalysis(gomock.Any(), gomock.Any()).Return(tt.reply, tt.err)

			a := NewAnalyzer(collab, logging.Discard())
			rec := a.Analyze(context.Background(), Input{
				Target: "host", Tool: tools.Nmap,
				Output:   &executor.RawOutput{OK: true, Stdout: "not xml"},
				Findings: parser.Findings{Tool: "nmap", Format: parser.FormatText},
			})
			assertCanonical(t, rec)
			assert.Equal(t, "template", rec[KeyMetadata].(map[string]any)["source"])
		})
	}
}

func TestBuildPromptBoundsRawOutput(t *testing.T) {
	long := make([]byte, maxPromptOutput*2)
	for i := range long {
		long[i] = 'a'
	}
	prompt := BuildPrompt(Input{Target: "host", Tool: tools.Nmap, Output: &executor.RawOutput{Stdout: string(long)}})
	assert.Contains(t, prompt, "Raw output:")
	assert.Less(t, len(prompt), maxPromptOutput+2000)
}
