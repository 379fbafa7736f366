package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanpilot/internal/jobs"
	"github.com/anstrom/scanpilot/internal/orchestrator"
)

var (
	scanTool     string
	scanSession  string
	scanAssisted bool
	scanAsync    bool
	scanWordlist string
	scanTimeout  time.Duration
	scanPoll     time.Duration
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Plan, validate and run a scan against a target",
	Long: `Scan probes the target, selects a tool and argument vector, validates
the command against the tool policy and runs it under a per-tool deadline.
The output is parsed and turned into a normalized analysis record.

With --async the tool runs detached and is supervised until it finishes;
the job id is printed as soon as the process starts.`,
	Example: `  scanpilot scan 192.168.1.10
  scanpilot scan http://example.com
  scanpilot scan example.com --tool gobuster --wordlist ./words.txt
  scanpilot scan example.com --assisted --session audit-1
  scanpilot scan 10.0.0.5 --async --timeout 10m -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	addPlanFlags(scanCmd.Flags(), &scanTool, &scanSession, &scanAssisted)
	scanCmd.Flags().BoolVar(&scanAsync, "async", false, "run detached and supervise until the job finishes")
	scanCmd.Flags().StringVar(&scanWordlist, "wordlist", "", "gobuster wordlist file")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "override the tool deadline")
	scanCmd.Flags().DurationVar(&scanPoll, "poll", 2*time.Second, "status poll interval for --async")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withRuntime(ctx, func(rt *runtime) error {
		req := orchestrator.Request{
			Target:    args[0],
			Tool:      scanTool,
			SessionID: scanSession,
			Assisted:  scanAssisted || rt.cfg.Planner.Assisted,
			Async:     scanAsync,
			Wordlist:  scanWordlist,
			Timeout:   scanTimeout,
		}

		out, err := rt.orchestrator.Scan(ctx, req)
		if err != nil && out == nil {
			return err
		}
		if err == nil && scanAsync {
			fmt.Fprintf(cmd.ErrOrStderr(), "Started job %s (%s)\n", out.JobID, out.Tool)
			out, err = waitForJob(ctx, rt, out.JobID, scanPoll)
			if err != nil {
				return err
			}
		}

		if displayErr := displayOutcome(cmd.OutOrStdout(), out); displayErr != nil {
			return displayErr
		}
		return err
	})
}

// waitForJob supervises an async job until it reaches a terminal state.
// The sweeper polls every running job on the configured schedule; the loop
// here only reads status so the command returns promptly.
func waitForJob(ctx context.Context, rt *runtime, id string, poll time.Duration) (*orchestrator.Outcome, error) {
	sweeper := jobs.NewSweeper(rt.orchestrator.Jobs(), rt.cfg.Executor.SweepSchedule, rt.logger)
	if err := sweeper.Start(); err != nil {
		return nil, err
	}
	defer sweeper.Stop()

	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		out, err := rt.orchestrator.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if out.State.Terminal() {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("stopped waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
