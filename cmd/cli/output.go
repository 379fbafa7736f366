package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/scanpilot/internal/analysis"
	"github.com/anstrom/scanpilot/internal/orchestrator"
	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/planner"
)

const timeLayout = "2006-01-02 15:04:05"

func jsonOutput() bool {
	return strings.EqualFold(outputFormat, "json")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// displayOutcome prints a scan outcome as a summary table followed by the
// analysis summary and recommendations.
func displayOutcome(w io.Writer, out *orchestrator.Outcome) error {
	if jsonOutput() {
		return writeJSON(w, out)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	rows := [][]string{
		{"Job", out.JobID},
		{"Target", out.Target},
		{"Tool", out.Tool},
		{"Command", strings.Join(out.Argv, " ")},
		{"Strategy", string(out.Strategy)},
		{"State", string(out.State)},
		{"Started", formatTime(out.StartedAt.Format(timeLayout), out.StartedAt.IsZero())},
		{"Finished", formatTime(out.FinishedAt.Format(timeLayout), out.FinishedAt.IsZero())},
	}
	if out.Output != nil {
		rows = append(rows, []string{"Exit code", strconv.Itoa(out.Output.ExitCode)})
	}
	if out.Risk != "" {
		rows = append(rows, []string{"Risk", out.Risk})
	}
	if out.Error != "" {
		rows = append(rows, []string{"Error", out.Error})
	}
	for _, row := range rows {
		_ = table.Append(row)
	}
	if err := table.Render(); err != nil {
		return err
	}

	if out.Findings != nil && out.Findings.Parsed {
		if err := displayFindings(w, *out.Findings); err != nil {
			return err
		}
	}
	if out.Analysis != nil {
		displayAnalysis(w, out.Analysis)
	}
	return nil
}

func formatTime(s string, zero bool) string {
	if zero {
		return "-"
	}
	return s
}

// displayFindings prints the structured findings for tools that have a
// tabular shape.
func displayFindings(w io.Writer, f parser.Findings) error {
	table := tablewriter.NewWriter(w)
	switch {
	case len(f.Hosts) > 0:
		table.Header("Host", "Port", "Protocol", "State", "Service")
		for _, h := range f.Hosts {
			for _, p := range h.Ports {
				service := ""
				if p.Service != nil {
					service = strings.TrimSpace(strings.Join([]string{p.Service.Name, p.Service.Product, p.Service.Version}, " "))
				}
				_ = table.Append([]string{h.Address, p.Port, p.Protocol, p.State, service})
			}
		}
	case len(f.Items) > 0:
		table.Header("ID", "URI", "Description")
		for _, item := range f.Items {
			_ = table.Append([]string{item.ID, item.URI, item.Description})
		}
	case len(f.Paths) > 0:
		table.Header("Path", "Status", "Size")
		for _, p := range f.Paths {
			_ = table.Append([]string{p.Path, strconv.Itoa(p.Status), strconv.Itoa(p.Size)})
		}
	default:
		return nil
	}
	fmt.Fprintln(w)
	return table.Render()
}

func displayAnalysis(w io.Writer, rec analysis.Record) {
	fmt.Fprintf(w, "\nSummary: %s\n", rec.Summary())
	for _, key := range []string{analysis.KeyRecommendations, analysis.KeyNextActions} {
		items, _ := rec[key].([]any)
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", strings.ReplaceAll(key, "_", " "))
		for _, item := range items {
			fmt.Fprintf(w, "  - %v\n", item)
		}
	}
}

func displayPlan(w io.Writer, plan planner.Plan) error {
	if jsonOutput() {
		return writeJSON(w, plan)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Tool", "Strategy", "Command", "Rationale")
	_ = table.Append([]string{string(plan.Tool), string(plan.Strategy), plan.Command(), plan.Rationale})
	return table.Render()
}
