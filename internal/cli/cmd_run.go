package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/orchestrator"
	"github.com/randalmurphal/adw/internal/phase"
)

func newRunCmd() *cobra.Command {
	var (
		template          string
		skipE2E           bool
		skipResolution    bool
		noExternal        bool
		forwardToComplete bool
	)

	cmd := &cobra.Command{
		Use:   "run <issue> [workflow-id]",
		Short: "Run the workflow for an issue",
		Long: `Run the full workflow for an issue, from classification to shipped PR.

The issue is classified by weight unless --template pins one. Passing an
existing workflow id resumes that workflow from its first unfinished phase.

Examples:
  adw run 42                       # Classify and run issue #42
  adw run 42 a1b2c3d4              # Resume workflow a1b2c3d4
  adw run 42 --template lightweight`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, deprecated, ok := phase.ResolveAlias(template); ok && deprecated && !forwardToComplete {
				return fmt.Errorf("template %q is deprecated; pass --forward-to-complete to run its replacement", template)
			}

			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := orchestrator.Options{
				Template:     template,
				SkipVerify:   skipE2E,
				SkipReview:   skipResolution,
				SkipExternal: noExternal || !eng.cfg.ExternalToolEnabled,
			}
			if len(args) > 1 {
				opts.WorkflowID = args[1]
			} else if id := workflowIDFromEnv(); id != "" {
				opts.WorkflowID = id
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, runErr := eng.orch.Run(ctx, args[0], opts)
			if id != "" {
				printRunResult(id, runErr)
			}
			if runErr != nil {
				os.Exit(exitCode(runErr))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "pin the workflow template (overrides classification)")
	cmd.Flags().BoolVar(&skipE2E, "skip-e2e", false, "skip the verify phase")
	cmd.Flags().BoolVar(&skipResolution, "skip-resolution", false, "skip the agent review pass")
	cmd.Flags().BoolVar(&noExternal, "no-external", false, "skip external tool phases")
	cmd.Flags().BoolVar(&forwardToComplete, "forward-to-complete", false, "accept deprecated template tokens and run their replacement")
	return cmd
}

// workflowIDFromEnv reads the workflow id override CI hooks export.
func workflowIDFromEnv() string {
	if id := os.Getenv("ADW_ID"); id != "" {
		return id
	}
	return os.Getenv("WORKFLOW_ID")
}

func printRunResult(workflowID string, runErr error) {
	if jsonOut {
		out := map[string]any{"workflow_id": workflowID, "success": runErr == nil}
		if runErr != nil {
			out["error"] = runErr.Error()
		}
		_ = json.NewEncoder(os.Stdout).Encode(out)
		return
	}
	if runErr != nil {
		fmt.Printf("Workflow %s failed: %s\n", workflowID, userMessage(runErr))
		return
	}
	fmt.Printf("Workflow %s completed\n", workflowID)
}

func userMessage(err error) string {
	if adwErr := adwerrors.AsADWError(err); adwErr != nil {
		return adwErr.UserMessage()
	}
	return err.Error()
}

// exitCode maps errors to process exit codes: 1 for workflow failures,
// 2 for blocked or rejected operations.
func exitCode(err error) int {
	if adwErr := adwerrors.AsADWError(err); adwErr != nil {
		return adwErr.ExitCode()
	}
	return 1
}
