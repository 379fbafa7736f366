package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate -- <tool> [args...]",
	Short: "Check a command against the tool policy",
	Long: `Validate runs the same checks a planned command goes through before
execution: the tool must be allowlisted and on PATH, and no argument may
match the forbidden list outside the configured carve-outs.`,
	Example: `  scanpilot validate -- nmap -sV -oX - example.com
  scanpilot validate -- nikto -h http://example.com -o report.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			resolved, err := rt.validator.Validate(args)
			if err != nil {
				if check, ok := scanerrors.ValidationCheck(err); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "rejected (%s)\n", check)
				}
				return err
			}
			if jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"tool": resolved.Tool, "path": resolved.Path, "argv": resolved.Argv(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", strings.Join(resolved.Argv(), " "), resolved.Path)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
