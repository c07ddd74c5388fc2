// Package hosting is the version-control-host surface of the engine. The
// orchestrator needs four capabilities from the host: read an issue, open a
// pull request, post a comment, and report remaining API quota. Host is the
// capability interface; the GitHub implementation lives in this package too.
package hosting

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoPRFound indicates no pull request exists for the query.
var ErrNoPRFound = errors.New("no pull request found")

// Issue is the host-neutral issue shape the classifier consumes.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string // open | closed
	Labels []string
}

// TypeLabel returns the first type:* label, which pins the issue class.
func (i Issue) TypeLabel() string {
	for _, l := range i.Labels {
		if strings.HasPrefix(l, "type:") {
			return strings.TrimPrefix(l, "type:")
		}
	}
	return ""
}

// PR is a created or fetched pull request.
type PR struct {
	Number    int
	Title     string
	URL       string
	State     string
	Merged    bool
	CreatedAt time.Time
}

// PRCreateOptions describes a pull request to open.
type PRCreateOptions struct {
	Title  string
	Body   string
	Head   string // source branch
	Base   string // target branch
	Draft  bool
	Labels []string
}

// Host is the capability surface the engine needs from a code host.
type Host interface {
	// GetIssue reads one issue with its labels.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	// CreatePR opens a pull request.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)
	// FindPRByBranch returns the open PR whose head is branch, or ErrNoPRFound.
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)
	// PostIssueComment posts a comment on an issue or pull request.
	PostIssueComment(ctx context.Context, number int, body string) error
	// CheckAuth validates credentials.
	CheckAuth(ctx context.Context) error
}

// ParseOwnerRepo extracts owner and repo from a remote URL or an
// "owner/repo" string.
func ParseOwnerRepo(remote string) (owner, repo string) {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")

	if i := strings.Index(remote, "://"); i != -1 {
		// https://host/owner/repo
		remote = remote[i+3:]
		j := strings.Index(remote, "/")
		if j == -1 {
			return "", ""
		}
		remote = remote[j+1:]
	} else if i := strings.Index(remote, ":"); i != -1 && strings.Contains(remote, "@") {
		// git@host:owner/repo
		remote = remote[i+1:]
	}

	parts := strings.Split(remote, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
