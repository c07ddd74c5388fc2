package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/adw/internal/orchestrator"
	"github.com/randalmurphal/adw/internal/phase"
)

func newPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase <name> <issue> [workflow-id]",
		Short: "Run a single phase for an issue",
		Long: `Run one phase in isolation, for debugging or manual pipelines.

The phase runs in the workflow's worktree with its reserved ports. Pass an
existing workflow id to run against that workflow's branch; otherwise a
fresh workflow is created.

Phases the workflow already completed are skipped.

Examples:
  adw phase plan 42            # Run just the plan phase for issue #42
  adw phase test 42 a1b2c3d4   # Run tests on workflow a1b2c3d4`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := phase.Name(args[0])
			if _, err := phase.Lookup(name); err != nil {
				return err
			}

			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := orchestrator.Options{
				Template: "lightweight",
				Phases:   []phase.Name{name},
			}
			if len(args) > 2 {
				opts.WorkflowID = args[2]
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, runErr := eng.orch.Run(ctx, args[1], opts)
			if id != "" {
				printRunResult(id, runErr)
			}
			if runErr != nil {
				os.Exit(exitCode(runErr))
			}
			return nil
		},
	}
}
