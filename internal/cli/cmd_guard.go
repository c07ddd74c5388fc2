package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/adw/internal/safety"
)

func newGuardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guard",
		Short: "Screen a tool invocation (agent hook entry point)",
		Long: `Screen one proposed tool invocation read from stdin.

The agent CLI invokes this as a pre-tool-use hook with the invocation JSON
on stdin ({"tool_name": ..., "tool_input": ...}). The decision is written
to stdout; a blocked invocation exits with code 2, which tells the agent
to refuse the call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read hook input: %w", err)
			}

			var in safety.Input
			if err := json.Unmarshal(data, &in); err != nil {
				// Unparseable hook input fails closed.
				in = safety.Input{ToolName: "unknown", ToolInput: data}
			}

			decision := safety.New(newLogger()).Evaluate(in)
			if err := json.NewEncoder(os.Stdout).Encode(decision); err != nil {
				return err
			}
			if !decision.Allowed() {
				os.Exit(2)
			}
			return nil
		},
	}
}
