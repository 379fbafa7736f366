// Package parser extracts structured findings from finished tool output.
// Parsing never fails: anything that cannot be structured degrades to
// Parsed=false and the raw text flows on to analysis unchanged.
package parser

import (
	"fmt"
	"strings"

	"github.com/anstrom/scanpilot/internal/tools"
)

const (
	FormatXML   = "xml"
	FormatText  = "text"
	FormatLines = "lines"

	maxPayloads = 5
)

// Findings is the tool-specific structured view of one job's output.
// Only the fields relevant to Tool are populated.
type Findings struct {
	Tool   string `json:"tool"`
	Parsed bool   `json:"parsed"`
	Format string `json:"format,omitempty"`
	Error  string `json:"error,omitempty"`

	// nmap
	Hosts []Host `json:"hosts,omitempty"`

	// nikto
	Target     *NiktoTarget     `json:"target,omitempty"`
	Items      []NiktoItem      `json:"items,omitempty"`
	Statistics *NiktoStatistics `json:"statistics,omitempty"`

	// gobuster
	Paths []PathFinding `json:"findings,omitempty"`

	// sqlmap
	Vulnerable *bool    `json:"vulnerable,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	Payloads   []string `json:"payloads,omitempty"`
}

// IsVulnerable reports whether sqlmap confirmed an injection.
func (f Findings) IsVulnerable() bool {
	return f.Vulnerable != nil && *f.Vulnerable
}

// Parse dispatches on tool. It recovers from any panic in the structural
// parsers and reports it as an unparsed result.
func Parse(tool tools.Name, stdout, stderr string) (f Findings) {
	defer func() {
		if r := recover(); r != nil {
			f = Findings{Tool: string(tool), Parsed: false, Error: fmt.Sprintf("parse error: %v", r)}
		}
	}()

	switch tool {
	case tools.Nmap:
		return parseNmap(stdout, stderr)
	case tools.Nikto:
		return parseNikto(stdout, stderr)
	case tools.Gobuster:
		return parseGobuster(stdout)
	case tools.Sqlmap:
		return parseSqlmap(stdout)
	default:
		return Findings{Tool: string(tool), Parsed: false, Error: "unknown tool"}
	}
}

// xmlContent returns the XML document embedded in stdout, else stderr.
// Anything printed before the document start is dropped.
func xmlContent(stdout, stderr string, root string) (string, bool) {
	for _, s := range []string{stdout, stderr} {
		if i := strings.Index(s, "<?xml"); i >= 0 {
			return s[i:], true
		}
		if i := strings.Index(s, "<"+root); i >= 0 {
			return s[i:], true
		}
	}
	return "", false
}

func textFallback(tool tools.Name) Findings {
	return Findings{Tool: string(tool), Parsed: false, Format: FormatText}
}

func parseFailure(tool tools.Name, err error) Findings {
	return Findings{Tool: string(tool), Parsed: false, Format: FormatText, Error: err.Error()}
}
