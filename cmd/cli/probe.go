package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe <target>",
	Short: "Check whether a target resolves and accepts connections",
	Example: `  scanpilot probe example.com
  scanpilot probe https://example.com:8443`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			ok, reason := rt.prober.CheckReachable(cmd.Context(), args[0])
			if jsonOutput() {
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"target": args[0], "reachable": ok, "reason": reason,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], reason)
			}
			if !ok {
				return scanerrors.ErrUnreachable(args[0], reason)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
