package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	planTool     string
	planSession  string
	planAssisted bool
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan <target>",
	Short: "Show the tool and command that would run against a target",
	Long: `Plan selects a tool and argument vector for the target without
probing it or running anything. Assisted plans that fail validation are
replaced by the rule-based plan.`,
	Example: `  scanpilot plan 192.168.1.10
  scanpilot plan https://example.com --tool sqlmap
  scanpilot plan example.com --assisted --session audit-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			plan := rt.orchestrator.Plan(cmd.Context(), args[0], planTool, planSession,
				planAssisted || rt.cfg.Planner.Assisted)
			return displayPlan(cmd.OutOrStdout(), plan)
		})
	},
}

func init() {
	rootCmd.AddCommand(planCmd)

	addPlanFlags(planCmd.Flags(), &planTool, &planSession, &planAssisted)
}

// addPlanFlags registers the flags shared by every command that plans.
func addPlanFlags(fs *pflag.FlagSet, tool, session *string, assisted *bool) {
	fs.StringVar(tool, "tool", "", "force a tool: nmap, nikto, gobuster or sqlmap")
	fs.StringVar(session, "session", "", "session id used for history and storage")
	fs.BoolVar(assisted, "assisted", false, "ask the collaborator for a plan")
}
