package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/adw/internal/state"
)

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	return dir
}

func TestCreate(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	path, err := m.Create("deadbeef", "feature-42-deadbeef-add-sorting", "main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "trees", "deadbeef"), path)
	assert.DirExists(t, path)

	// The worktree is on the new branch.
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "feature-42-deadbeef-add-sorting", strings.TrimSpace(string(out)))
}

func TestPathRelativeToRepo(t *testing.T) {
	// treesDir is relative to the repo; Path joins it exactly once.
	m := NewManager("/srv/repo", "trees", nil)
	assert.Equal(t, filepath.Join("/srv/repo", "trees", "wf1"), m.Path("wf1"))
}

func TestCreate_PathExists(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	_, err := m.Create("deadbeef", "bug-1-deadbeef", "main")
	require.NoError(t, err)

	_, err = m.Create("deadbeef", "bug-1-deadbeef", "main")
	assert.Error(t, err)
}

func TestCreate_MissingBaseBranch(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	_, err := m.Create("deadbeef", "bug-1-deadbeef", "no-such-branch")
	assert.Error(t, err)
}

func TestCreate_AfterStaleRegistration(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	path, err := m.Create("deadbeef", "chore-9-deadbeef", "main")
	require.NoError(t, err)

	// Simulate a crash: the directory is gone but git still registers it.
	require.NoError(t, os.RemoveAll(path))

	_, err = m.Create("deadbeef", "chore-9-deadbeef", "main")
	require.NoError(t, err, "stale registration should be pruned and retried")
}

func TestConfigureEnv(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	path, err := m.Create("deadbeef", "feature-42-deadbeef", "main")
	require.NoError(t, err)

	require.NoError(t, m.ConfigureEnv(path, 9104, 9204))

	data, err := os.ReadFile(filepath.Join(path, EnvFileName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "BACKEND_PORT=9104\n")
	assert.Contains(t, content, "FRONTEND_PORT=9204\n")
	assert.Contains(t, content, "VITE_BACKEND_URL=http://localhost:9104\n")
}

func TestTeardown(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "trees", nil)

	path, err := m.Create("deadbeef", "feature-42-deadbeef", "main")
	require.NoError(t, err)

	require.NoError(t, m.Teardown("deadbeef"))
	assert.NoDirExists(t, path)

	// Teardown of a missing tree is a no-op.
	require.NoError(t, m.Teardown("deadbeef"))
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		name  string
		class state.Classification
		issue string
		id    string
		title string
		want  string
	}{
		{
			name:  "simple",
			class: state.ClassFeature, issue: "42", id: "deadbeef",
			title: "Add sorting",
			want:  "feature-42-deadbeef-add-sorting",
		},
		{
			name:  "special chars collapse",
			class: state.ClassBug, issue: "7", id: "cafe0123",
			title: "Fix: crash (on startup)!",
			want:  "bug-7-cafe0123-fix-crash-on-startup",
		},
		{
			name:  "empty title",
			class: state.ClassChore, issue: "1", id: "00000001",
			title: "",
			want:  "chore-1-00000001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchName(tt.class, tt.issue, tt.id, tt.title)
			assert.Equal(t, tt.want, got)
			assert.True(t, strings.HasPrefix(got, string(tt.class)))
		})
	}
}

func TestBranchName_SlugTruncated(t *testing.T) {
	long := strings.Repeat("very long title ", 10)
	got := BranchName(state.ClassFeature, "42", "deadbeef", long)
	slug := strings.TrimPrefix(got, "feature-42-deadbeef-")
	assert.LessOrEqual(t, len(slug), 40)
}
