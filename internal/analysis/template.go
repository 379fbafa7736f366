package analysis

import (
	"fmt"
	"strings"

	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/tools"
)

var portAdvice = map[string]string{
	"21":    "Disable anonymous FTP or replace FTP with SFTP",
	"22":    "Check the SSH version and disable root login",
	"23":    "Disable telnet; it sends credentials in clear text",
	"80":    "Run nikto against the HTTP service",
	"443":   "Run nikto against the HTTPS service and review the TLS configuration",
	"445":   "Restrict SMB to trusted networks",
	"3306":  "Do not expose the database port to untrusted networks",
	"5432":  "Do not expose the database port to untrusted networks",
	"3389":  "Restrict RDP behind a VPN",
	"31337": "Investigate a possible backdoor service",
}

var sensitivePaths = []string{"admin", ".git", ".env", "backup", "config", "phpmyadmin", ".svn", "wp-admin"}

// Template builds a record from findings without any external service.
func Template(target string, f parser.Findings) Record {
	var rec map[string]any
	switch tools.Name(f.Tool) {
	case tools.Nmap:
		rec = nmapTemplate(target, f)
	case tools.Nikto:
		rec = niktoTemplate(target, f)
	case tools.Gobuster:
		rec = gobusterTemplate(target, f)
	case tools.Sqlmap:
		rec = sqlmapTemplate(target, f)
	}
	if rec == nil || !f.Parsed {
		rec = unstructuredTemplate(target, f, rec)
	}
	metadata := map[string]any{"target": target, "confidence": "Medium", "source": "template"}
	if !f.Parsed {
		metadata["confidence"] = "Low"
	}
	rec[KeyMetadata] = metadata
	return Normalize(rec, target)
}

// Failure builds the record for a job that did not produce usable output.
func Failure(target string, tool tools.Name, reason string) Record {
	return Normalize(map[string]any{
		KeyMetadata: map[string]any{"target": target, "confidence": "Low", "source": "failure"},
		KeyAnalysis: fmt.Sprintf("%s did not complete: %s", tool, reason),
		KeyImpact:   "Unknown; the scan did not complete.",
		KeySummary:  fmt.Sprintf("%s scan of %s failed: %s", tool, target, reason),
		KeyNextActions: []any{
			"Check that the target is reachable and retry the scan",
		},
		"error": reason,
	}, target)
}

func unstructuredTemplate(target string, f parser.Findings, rec map[string]any) map[string]any {
	if rec == nil {
		rec = map[string]any{}
	}
	detail := "the output format was not recognized"
	if f.Error != "" {
		detail = f.Error
	}
	rec[KeyAnalysis] = fmt.Sprintf("%s output could not be structured (%s); the raw output is retained.", f.Tool, detail)
	rec[KeySummary] = DefaultSummary(target)
	rec[KeyNextActions] = []any{"Review the raw output manually"}
	delete(rec, KeyIssue)
	return rec
}

func nmapTemplate(target string, f parser.Findings) map[string]any {
	var open []string
	var recs []any
	severity := RiskInfo
	for _, h := range f.Hosts {
		for _, p := range h.Ports {
			if p.State != "open" {
				continue
			}
			label := fmt.Sprintf("%s/%s", p.Port, p.Protocol)
			if p.Service != nil && p.Service.Name != "" {
				label += " " + p.Service.Name
			}
			open = append(open, label)
			if advice, ok := portAdvice[p.Port]; ok {
				recs = append(recs, advice)
			}
			if p.Port == "31337" {
				severity = RiskHigh
			}
		}
	}

	if severity != RiskHigh {
		switch {
		case len(open) >= 3:
			severity = RiskMedium
		case len(open) > 0:
			severity = RiskLow
		}
	}

	rec := map[string]any{
		KeyAnalysis:        fmt.Sprintf("nmap found %d open port(s) on %d host(s).", len(open), len(f.Hosts)),
		KeyRecommendations: recs,
		KeyNextActions:     []any{},
	}
	if len(open) == 0 {
		return rec
	}
	rec[KeyIssue] = map[string]any{"type": "Exposed network services", "severity": severity, "endpoint": target, "category": "Network exposure"}
	rec[KeyEvidence] = map[string]any{"response_behavior": "Open ports: " + strings.Join(open, ", ")}
	rec[KeyImpact] = "Each exposed service widens the attack surface of the host."
	rec[KeySummary] = fmt.Sprintf("%d open port(s) on %s: %s.", len(open), target, strings.Join(open, ", "))
	if strings.Contains(strings.Join(open, " "), "http") {
		rec[KeyNextActions] = []any{"Run nikto against the web service", "Run gobuster to enumerate content"}
	}
	return rec
}

func niktoTemplate(target string, f parser.Findings) map[string]any {
	rec := map[string]any{
		KeyAnalysis: fmt.Sprintf("nikto reported %d item(s).", len(f.Items)),
	}
	if len(f.Items) == 0 {
		return rec
	}
	severity := RiskLow
	if len(f.Items) > 3 {
		severity = RiskMedium
	}
	first := f.Items[0]
	rec[KeyIssue] = map[string]any{"type": "Web server misconfiguration", "severity": severity, "endpoint": first.URI, "category": "A05:2021 - Security Misconfiguration"}
	rec[KeyEvidence] = map[string]any{"response_behavior": first.Description}
	rec[KeyImpact] = "Misconfigurations and outdated components can disclose information or enable further attacks."
	rec[KeyRecommendations] = []any{"Review each reported item and harden the web server configuration"}
	rec[KeyNextActions] = []any{"Run gobuster to enumerate hidden content", "Test parameterized pages with sqlmap"}
	rec[KeySummary] = fmt.Sprintf("nikto reported %d item(s) on %s.", len(f.Items), target)
	return rec
}

func gobusterTemplate(target string, f parser.Findings) map[string]any {
	rec := map[string]any{
		KeyAnalysis: fmt.Sprintf("gobuster discovered %d path(s).", len(f.Paths)),
	}
	if len(f.Paths) == 0 {
		return rec
	}
	var sensitive, all []string
	for _, p := range f.Paths {
		all = append(all, fmt.Sprintf("%s (%d)", p.Path, p.Status))
		lower := strings.ToLower(p.Path)
		for _, s := range sensitivePaths {
			if strings.Contains(lower, s) {
				sensitive = append(sensitive, p.Path)
				break
			}
		}
	}
	severity, endpoint := RiskLow, f.Paths[0].Path
	if len(sensitive) > 0 {
		severity, endpoint = RiskMedium, sensitive[0]
	}
	rec[KeyIssue] = map[string]any{"type": "Content discovery", "severity": severity, "endpoint": endpoint, "category": "A01:2021 - Broken Access Control"}
	rec[KeyEvidence] = map[string]any{"response_behavior": "Discovered: " + strings.Join(all, ", ")}
	rec[KeyImpact] = "Discovered paths may expose administrative interfaces or sensitive files."
	rec[KeyRecommendations] = []any{"Restrict access to administrative and backup paths"}
	rec[KeyNextActions] = []any{"Inspect discovered paths manually", "Run nikto against interesting paths"}
	rec[KeySummary] = fmt.Sprintf("%d path(s) discovered on %s, %d sensitive.", len(f.Paths), target, len(sensitive))
	return rec
}

func sqlmapTemplate(target string, f parser.Findings) map[string]any {
	if !f.IsVulnerable() {
		return map[string]any{
			KeyAnalysis: "sqlmap did not confirm an injection point.",
		}
	}
	parameter := notApplicable
	if len(f.Parameters) > 0 {
		parameter = f.Parameters[0]
	}
	payload := notApplicable
	if len(f.Payloads) > 0 {
		payload = f.Payloads[0]
	}
	return map[string]any{
		KeyAnalysis: "sqlmap confirmed that at least one parameter is injectable.",
		KeyIssue: map[string]any{
			"type": "SQL injection", "severity": RiskHigh, "endpoint": target,
			"parameter": parameter, "category": "A03:2021 - Injection",
		},
		KeyEvidence:        map[string]any{"payload": payload, "response_behavior": "sqlmap confirmed the injection"},
		KeyImpact:          "An attacker may read or modify database contents.",
		KeyRecommendations: []any{"Use parameterized queries", "Validate and constrain input on the affected parameter"},
		KeyNextActions:     []any{"Test the remaining parameters"},
		KeySummary:         fmt.Sprintf("SQL injection confirmed on %s (parameter %s).", target, parameter),
	}
}
