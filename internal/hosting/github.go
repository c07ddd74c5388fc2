package hosting

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"

	gogithub "github.com/google/go-github/v82/github"
)

// Compile-time interface check.
var _ Host = (*GitHubHost)(nil)

// GitHubHost implements Host using the go-github client.
type GitHubHost struct {
	client *gogithub.Client
	owner  string
	repo   string
}

// NewGitHubHost creates a host for the given "owner/repo". When repoSlug is
// empty, owner and repo are derived from the origin remote of workDir.
func NewGitHubHost(token, repoSlug, workDir string) (*GitHubHost, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	var owner, repo string
	if repoSlug != "" {
		owner, repo = ParseOwnerRepo(repoSlug)
	} else {
		cmd := exec.Command("git", "remote", "get-url", "origin")
		cmd.Dir = workDir
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("get remote URL: %w", err)
		}
		owner, repo = ParseOwnerRepo(strings.TrimSpace(string(output)))
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not determine owner/repo")
	}

	httpClient := &http.Client{Transport: &tokenTransport{token: token}}
	return &GitHubHost{
		client: gogithub.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
	}, nil
}

// Client exposes the underlying go-github client for the quota guard.
func (g *GitHubHost) Client() *gogithub.Client { return g.client }

// OwnerRepo returns the owner and repository name.
func (g *GitHubHost) OwnerRepo() (string, string) { return g.owner, g.repo }

// tokenTransport adds an Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *GitHubHost) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// GetIssue reads one issue with its labels.
func (g *GitHubHost) GetIssue(ctx context.Context, number int) (*Issue, error) {
	issue, _, err := g.client.Issues.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		Labels: labels,
	}, nil
}

// CreatePR opens a pull request. Label attachment is best-effort.
func (g *GitHubHost) CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error) {
	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	if len(opts.Labels) > 0 {
		_, _, labelErr := g.client.Issues.AddLabelsToIssue(
			ctx, g.owner, g.repo, created.GetNumber(), opts.Labels)
		if labelErr != nil {
			slog.Warn("failed to add labels to PR",
				"pr", created.GetNumber(), "labels", opts.Labels, "error", labelErr)
		}
	}
	return mapPR(created), nil
}

// FindPRByBranch returns the open PR whose head is branch.
func (g *GitHubHost) FindPRByBranch(ctx context.Context, branch string) (*PR, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &gogithub.PullRequestListOptions{
		Head:        g.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, ErrNoPRFound
	}
	return mapPR(prs[0]), nil
}

// PostIssueComment posts a comment on an issue or pull request.
func (g *GitHubHost) PostIssueComment(ctx context.Context, number int, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number,
		&gogithub.IssueComment{Body: gogithub.Ptr(body)})
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

func mapPR(pr *gogithub.PullRequest) *PR {
	return &PR{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		URL:       pr.GetHTMLURL(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
}
