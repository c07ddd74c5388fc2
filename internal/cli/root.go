// Package cli implements the adw command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	quiet   bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "adw",
	Short: "AI developer workflow engine",
	Long: `adw turns natural-language issues into reviewed, tested, merged code.

An issue enters as text or a tracker reference, gets classified by weight,
and runs through an isolated multi-phase pipeline (plan, validate, build,
lint, test, review, document, ship) in its own git worktree with its own
port allocations.

Quick start:
  adw run 42                  Run the workflow for issue #42
  adw status                  Show all workflows
  adw serve                   Start the webhook and dashboard server`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPhaseCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newGuardCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// newLogger builds the CLI logger honoring -v and -q.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
