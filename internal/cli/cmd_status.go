package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/randalmurphal/adw/internal/state"
)

var (
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show workflow status",
		Long: `Show all workflows, or one workflow with its recent events.

Examples:
  adw status               # All workflows
  adw status a1b2c3d4      # One workflow with its event trail`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if len(args) == 1 {
				return showWorkflow(eng, args[0], limit)
			}
			return showAll(eng)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent events to show")
	return cmd
}

func showAll(eng *engine) error {
	ids, err := eng.store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No workflows found.")
		fmt.Println("\nGet started:")
		fmt.Println("  adw run <issue>")
		return nil
	}

	states := make([]*state.WorkflowState, 0, len(ids))
	for _, id := range ids {
		ws, err := eng.store.Load(id)
		if err != nil {
			eng.logger.Warn("skipping unreadable workflow", "workflow_id", id, "error", err)
			continue
		}
		states = append(states, ws)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(states)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tISSUE\tTEMPLATE\tSTATUS\tPHASE\tBRANCH\tAGE")
	for _, ws := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ws.WorkflowID, ws.IssueID, ws.TemplateName,
			styleStatus(ws.Status), ws.CurrentPhase,
			truncate(ws.BranchName, branchWidth()),
			age(ws.StartTime))
	}
	return w.Flush()
}

func showWorkflow(eng *engine, workflowID string, limit int) error {
	ws, err := eng.store.Load(workflowID)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(ws)
	}

	fmt.Printf("Workflow:  %s\n", ws.WorkflowID)
	fmt.Printf("Issue:     %s\n", ws.IssueID)
	fmt.Printf("Template:  %s\n", ws.TemplateName)
	fmt.Printf("Status:    %s\n", styleStatus(ws.Status))
	if ws.CurrentPhase != "" {
		fmt.Printf("Phase:     %s\n", ws.CurrentPhase)
	}
	if ws.BranchName != "" {
		fmt.Printf("Branch:    %s\n", ws.BranchName)
	}
	if ws.WorktreePath != "" {
		fmt.Printf("Worktree:  %s\n", ws.WorktreePath)
	}
	if ws.BackendPort != 0 {
		fmt.Printf("Ports:     backend %d, frontend %d\n", ws.BackendPort, ws.FrontendPort)
	}

	if len(ws.PhaseResults) > 0 {
		fmt.Println("\nPhases:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for name, r := range ws.PhaseResults {
			mark := styleCompleted.Render("ok")
			if !r.Success {
				mark = styleFailed.Render("failed")
			}
			fmt.Fprintf(w, "  %s\t%s\t%.0fs\t$%.2f\n", name, mark, r.DurationSeconds, r.CostUSD)
		}
		_ = w.Flush()
	}

	evs, err := eng.emitter.Recent(context.Background(), workflowID, limit)
	if err != nil {
		return err
	}
	if len(evs) > 0 {
		fmt.Println("\nRecent events:")
		for _, ev := range evs {
			line := fmt.Sprintf("  %s  %-20s %s",
				ev.Time.Local().Format("15:04:05"), ev.Type, ev.PhaseName)
			if ev.ErrorMessage != "" {
				line += "  " + ev.ErrorMessage
			}
			fmt.Println(styleDim.Render(line))
		}
	}
	return nil
}

func styleStatus(s state.Status) string {
	if !useColor() {
		return string(s)
	}
	switch s {
	case state.StatusCompleted:
		return styleCompleted.Render(string(s))
	case state.StatusFailed:
		return styleFailed.Render(string(s))
	case state.StatusRunning:
		return styleRunning.Render(string(s))
	case state.StatusCancelled:
		return styleCancelled.Render(string(s))
	default:
		return string(s)
	}
}

func useColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// branchWidth leaves room for the other columns on narrow terminals.
func branchWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 40
	}
	if width < 100 {
		return 20
	}
	return 40
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
