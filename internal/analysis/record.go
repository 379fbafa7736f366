// Package analysis turns parsed tool output into the canonical analysis
// record. Records come from an external collaborator when one is
// configured, else from deterministic templates, and always pass through
// Normalize so consumers see one stable shape.
package analysis

import (
	"fmt"
	"maps"
	"strings"
)

// Record is a canonical analysis record. Keys beyond the required set are
// preserved as supplied.
type Record map[string]any

// Required top-level keys.
const (
	KeyMetadata        = "metadata"
	KeyAnalysis        = "analysis"
	KeyIssue           = "issue"
	KeyEvidence        = "evidence"
	KeyImpact          = "impact"
	KeyRecommendations = "recommendations"
	KeyNextActions     = "next_actions"
	KeySummary         = "summary"
)

// Risk levels, most severe first.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
	RiskInfo     = "info"
)

var riskLevels = []string{RiskCritical, RiskHigh, RiskMedium, RiskLow, RiskInfo}

const notApplicable = "N/A"

// RequiredKeys lists every top-level key a normalized record carries.
func RequiredKeys() []string {
	return []string{KeyMetadata, KeyAnalysis, KeyIssue, KeyEvidence, KeyImpact, KeyRecommendations, KeyNextActions, KeySummary}
}

// DefaultSummary is the summary used when none was supplied.
func DefaultSummary(target string) string {
	return fmt.Sprintf("No significant impact identified for %s.", target)
}

func nestedDefaults(target, severity string) map[string]map[string]any {
	return map[string]map[string]any{
		KeyMetadata: {
			"target":     target,
			"confidence": "Low",
		},
		KeyIssue: {
			"type":      "None identified",
			"severity":  severity,
			"endpoint":  target,
			"parameter": notApplicable,
			"category":  notApplicable,
		},
		KeyEvidence: {
			"payload":           notApplicable,
			"response_behavior": notApplicable,
		},
	}
}

func scalarDefaults(target string) map[string]any {
	return map[string]any{
		KeyAnalysis: "No detailed analysis available.",
		KeyImpact:   "No significant impact identified.",
		KeySummary:  DefaultSummary(target),
	}
}

// Normalize returns candidate completed to the canonical shape. Missing or
// null fields get defaults; nested blocks that are present only have their
// missing sub-keys filled. Supplied values are never overwritten, except
// that a nested block which is not an object is replaced by its defaults
// and a list field given as a single string becomes a one-element list.
// A missing issue severity defaults to a top-level "risk" or "risk_level"
// value when one is present. candidate is not modified.
func Normalize(candidate map[string]any, target string) Record {
	rec := make(Record, len(candidate)+len(RequiredKeys()))
	maps.Copy(rec, candidate)

	for key, defaults := range nestedDefaults(target, legacyRisk(rec)) {
		block, ok := rec[key].(map[string]any)
		if !ok {
			rec[key] = defaults
			continue
		}
		merged := maps.Clone(block)
		for sub, v := range defaults {
			if merged[sub] == nil {
				merged[sub] = v
			}
		}
		rec[key] = merged
	}

	for key, v := range scalarDefaults(target) {
		if s, isString := rec[key].(string); rec[key] == nil || (isString && strings.TrimSpace(s) == "") {
			rec[key] = v
		}
	}

	for _, key := range []string{KeyRecommendations, KeyNextActions} {
		switch v := rec[key].(type) {
		case []any:
			if v == nil {
				rec[key] = []any{}
			}
		case []string:
			list := make([]any, len(v))
			for i, s := range v {
				list[i] = s
			}
			rec[key] = list
		case string:
			if strings.TrimSpace(v) == "" {
				rec[key] = []any{}
			} else {
				rec[key] = []any{v}
			}
		default:
			rec[key] = []any{}
		}
	}
	return rec
}

// Risk derives the record's risk level from issue.severity, falling back to
// a top-level "risk" or "risk_level" value, then to info.
func Risk(rec Record) string {
	if issue, ok := rec[KeyIssue].(map[string]any); ok {
		if level, ok := riskLevel(issue["severity"]); ok {
			return level
		}
	}
	return legacyRisk(rec)
}

func legacyRisk(rec Record) string {
	for _, key := range []string{"risk", "risk_level"} {
		if level, ok := riskLevel(rec[key]); ok {
			return level
		}
	}
	return RiskInfo
}

func riskLevel(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "informational" {
		s = RiskInfo
	}
	for _, level := range riskLevels {
		if s == level {
			return level, true
		}
	}
	return "", false
}

// Summary returns the record's summary line.
func (r Record) Summary() string {
	s, _ := r[KeySummary].(string)
	return s
}
