package parser

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/anstrom/scanpilot/internal/tools"
)

// PathFinding is one path gobuster discovered.
type PathFinding struct {
	Path   string `json:"path"`
	Status int    `json:"status"`
	Size   int    `json:"size,omitempty"`
}

var (
	ansiEscape   = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	foundPath    = regexp.MustCompile(`(?:Found:\s*)?(/\S*)\s+\(Status:\s*(\d{3})\)(?:\s*\[Size:\s*(\d+)\])?`)
	payloadLine  = regexp.MustCompile(`^\s*Payload:\s*(.+?)\s*$`)
	parameterRow = regexp.MustCompile(`^\s*Parameter:\s*(.+?)\s*$`)

	injectionPhrases = []string{
		"sqlmap identified the following injection point",
		"is vulnerable",
		"appears to be injectable",
	}
)

func scanLines(s string, fn func(line string)) {
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(ansiEscape.ReplaceAllString(sc.Text(), ""))
	}
}

func parseGobuster(stdout string) Findings {
	f := Findings{Tool: string(tools.Gobuster), Format: FormatLines, Paths: []PathFinding{}}

	scanLines(stdout, func(line string) {
		m := foundPath.FindStringSubmatch(line)
		if m == nil {
			return
		}
		status, err := strconv.Atoi(m[2])
		if err != nil {
			return
		}
		pf := PathFinding{Path: m[1], Status: status}
		if m[3] != "" {
			pf.Size, _ = strconv.Atoi(m[3])
		}
		f.Paths = append(f.Paths, pf)
	})

	f.Parsed = len(f.Paths) > 0
	if !f.Parsed {
		f.Format = FormatText
	}
	return f
}

func parseSqlmap(stdout string) Findings {
	if strings.TrimSpace(stdout) == "" {
		return textFallback(tools.Sqlmap)
	}

	lower := strings.ToLower(stdout)
	vulnerable := false
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			vulnerable = true
			break
		}
	}

	f := Findings{Tool: string(tools.Sqlmap), Parsed: true, Format: FormatText, Vulnerable: &vulnerable}
	scanLines(stdout, func(line string) {
		if m := parameterRow.FindStringSubmatch(line); m != nil {
			f.Parameters = append(f.Parameters, m[1])
			return
		}
		if m := payloadLine.FindStringSubmatch(line); m != nil && len(f.Payloads) < maxPayloads {
			f.Payloads = append(f.Payloads, m[1])
		}
	})
	return f
}
