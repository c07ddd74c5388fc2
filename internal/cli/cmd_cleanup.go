package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	var stale time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Release leaked resources",
		Long: `Release resources left behind by crashed or abandoned workflows.

Port reservations older than --stale whose workflow reached a terminal
state are released, and worktrees of completed workflows are removed.

Example:
  adw cleanup --stale 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			released, err := eng.ports.CleanupStale(stale)
			if err != nil {
				return err
			}

			removed := 0
			ids, err := eng.store.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				ws, err := eng.store.Load(id)
				if err != nil {
					continue
				}
				if !ws.Status.IsTerminal() || ws.WorktreePath == "" {
					continue
				}
				if ws.EndTime == nil || time.Since(*ws.EndTime) < stale {
					continue
				}
				if err := eng.trees.Teardown(id); err != nil {
					eng.logger.Warn("worktree teardown failed", "workflow_id", id, "error", err)
					continue
				}
				removed++
			}

			if !quiet {
				fmt.Printf("Released %d port reservations, removed %d worktrees\n",
					released, removed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&stale, "stale", 24*time.Hour, "age after which resources count as leaked")
	return cmd
}
