package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume an interrupted workflow",
		Long: `Resume a workflow from its first unfinished phase.

Completed phases are skipped; the phase that was running when the workflow
stopped re-runs from scratch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, runErr := eng.orch.Resume(ctx, args[0])
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
