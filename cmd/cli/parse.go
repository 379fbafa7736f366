package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanpilot/internal/analysis"
	"github.com/anstrom/scanpilot/internal/parser"
	"github.com/anstrom/scanpilot/internal/tools"
)

var (
	parseTool    string
	parseTarget  string
	parseAnalyze bool
)

// parseCmd represents the parse command
var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse saved tool output",
	Long: `Parse reads saved tool output from a file or stdin and prints the
structured findings. With --analyze the template analysis record is
printed as well.`,
	Example: `  scanpilot parse --tool nmap scan.xml
  gobuster dir -u http://example.com -w words.txt | scanpilot parse --tool gobuster --analyze`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().StringVar(&parseTool, "tool", "", "tool that produced the output")
	parseCmd.Flags().StringVar(&parseTarget, "target", "", "target name used in the analysis record")
	parseCmd.Flags().BoolVar(&parseAnalyze, "analyze", false, "also print the template analysis record")
	_ = parseCmd.MarkFlagRequired("tool")
}

func runParse(cmd *cobra.Command, args []string) error {
	tool, ok := tools.Parse(parseTool)
	if !ok {
		return fmt.Errorf("unknown tool %q", parseTool)
	}

	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read output: %w", err)
	}

	findings := parser.Parse(tool, string(data), "")
	if !parseAnalyze {
		if jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), findings)
		}
		if !findings.Parsed {
			fmt.Fprintf(cmd.OutOrStdout(), "output not structured: %s\n", findings.Error)
			return nil
		}
		return displayFindings(cmd.OutOrStdout(), findings)
	}

	rec := analysis.Template(parseTarget, findings)
	if jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"findings": findings, "analysis": rec})
	}
	if err := displayFindings(cmd.OutOrStdout(), findings); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nRisk: %s", analysis.Risk(rec))
	displayAnalysis(cmd.OutOrStdout(), rec)
	return nil
}
