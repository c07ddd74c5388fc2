// Package worktree manages isolated git checkouts for workflows. Each
// workflow gets its own worktree under trees/<workflow_id>/ with a dedicated
// branch and a per-tree env file binding its port pair.
package worktree

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/randalmurphal/adw/internal/state"
)

// EnvFileName is the per-worktree environment file.
const EnvFileName = ".ports.env"

// Manager creates and tears down workflow worktrees.
type Manager struct {
	repoPath string
	treesDir string // relative to repoPath, e.g. "trees"
	logger   *slog.Logger

	// Worktree creation is a compound git operation (add, prune, retry);
	// concurrent creations must not interleave their prunes.
	mu sync.Mutex
}

// NewManager creates a manager for the repository at repoPath.
func NewManager(repoPath, treesDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repoPath: repoPath, treesDir: treesDir, logger: logger}
}

// Path returns the worktree path for a workflow.
func (m *Manager) Path(workflowID string) string {
	return filepath.Join(m.repoPath, m.treesDir, workflowID)
}

// Create creates an isolated worktree for the workflow, checked out on a new
// branch from baseBranch. Fails when the path already exists or the base
// branch is missing.
func (m *Manager) Create(workflowID, branchName, baseBranch string) (string, error) {
	worktreePath := m.Path(workflowID)

	if _, err := os.Stat(worktreePath); err == nil {
		return "", fmt.Errorf("worktree path %s already exists", worktreePath)
	}

	if _, err := m.runGit("rev-parse", "--verify", baseBranch); err != nil {
		return "", fmt.Errorf("base branch %s not found: %w", baseBranch, err)
	}

	treesDir := filepath.Join(m.repoPath, m.treesDir)
	if err := os.MkdirAll(treesDir, 0o755); err != nil {
		return "", fmt.Errorf("create trees dir: %w", err)
	}

	if _, err := m.tryCreateWorktree(branchName, worktreePath, baseBranch); err != nil {
		return "", fmt.Errorf("create worktree for %s: %w", workflowID, err)
	}

	m.logger.Info("worktree created",
		"workflow_id", workflowID, "path", worktreePath, "branch", branchName)
	return worktreePath, nil
}

// tryCreateWorktree attempts worktree creation, handling stale registrations
// left behind when a tree directory was deleted without `worktree remove`.
func (m *Manager) tryCreateWorktree(branchName, worktreePath, baseBranch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First attempt: create worktree with a new branch.
	output, err := m.runGit("worktree", "add", "-b", branchName, worktreePath, baseBranch)
	if err == nil {
		return output, nil
	}

	// The branch may already exist from an interrupted run.
	output, err = m.runGit("worktree", "add", worktreePath, branchName)
	if err == nil {
		return output, nil
	}

	// Prune stale registrations and retry both forms.
	_, _ = m.runGit("worktree", "prune")

	output, err = m.runGit("worktree", "add", "-b", branchName, worktreePath, baseBranch)
	if err == nil {
		return output, nil
	}
	return m.runGit("worktree", "add", worktreePath, branchName)
}

// ConfigureEnv writes the per-tree env file binding the port pair and the
// derived URLs consumed by the application under test.
func (m *Manager) ConfigureEnv(worktreePath string, backendPort, frontendPort int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "BACKEND_PORT=%d\n", backendPort)
	fmt.Fprintf(&b, "FRONTEND_PORT=%d\n", frontendPort)
	fmt.Fprintf(&b, "VITE_BACKEND_URL=http://localhost:%d\n", backendPort)

	path := filepath.Join(worktreePath, EnvFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

// Teardown removes the workflow's worktree and its branch lock. The branch
// itself is kept; ship may still reference it.
func (m *Manager) Teardown(workflowID string) error {
	worktreePath := m.Path(workflowID)

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		// Already gone; prune any stale registration.
		_, _ = m.runGit("worktree", "prune")
		return nil
	}

	if _, err := m.runGit("worktree", "remove", "--force", worktreePath); err != nil {
		// Fall back to removing the directory and pruning.
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", worktreePath, rmErr)
		}
		_, _ = m.runGit("worktree", "prune")
	}

	m.logger.Info("worktree removed", "workflow_id", workflowID, "path", worktreePath)
	return nil
}

// runGit runs a git command in the repository root.
func (m *Manager) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName builds the workflow branch name. The leading segment is the
// classification so branch names sort and filter by change class.
func BranchName(class state.Classification, issueID, workflowID, title string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
		slug = strings.TrimRight(slug, "-")
	}
	name := fmt.Sprintf("%s-%s-%s", class, issueID, workflowID)
	if slug != "" {
		name += "-" + slug
	}
	return name
}
