package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Request cancellation of a running workflow",
		Long: `Request cancellation of a workflow.

Queued phases are cancelled immediately. A phase that is already running
is interrupted at the next safe point; its workflow settles as cancelled
once the coordinator observes the request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.orch.Cancel(args[0]); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Cancellation requested for workflow %s\n", args[0])
			}
			return nil
		},
	}
}
