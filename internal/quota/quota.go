// Package quota checks remote API budgets before a workflow burns compute.
// Both collaborators (the LLM API and the hosting API) are probed up front;
// a budget below threshold fails the workflow immediately instead of
// stranding it mid-phase.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	gogithub "github.com/google/go-github/v82/github"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

// Backend probes one remote API's remaining budget.
type Backend interface {
	Name() string
	// Remaining returns how many requests the current window still allows.
	// Backends that cannot count report math.MaxInt when healthy.
	Remaining(ctx context.Context) (int, error)
}

// Guard fails workflows whose backends are below threshold.
type Guard struct {
	backends  []Backend
	threshold int
	logger    *slog.Logger
}

// New creates a guard over the given backends.
func New(threshold int, logger *slog.Logger, backends ...Backend) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{backends: backends, threshold: threshold, logger: logger}
}

// Check probes every backend. A backend below threshold returns
// QuotaExhausted; probe errors other than rate limiting are logged and
// skipped, since a flaky probe should not strand runnable work.
func (g *Guard) Check(ctx context.Context) error {
	for _, b := range g.backends {
		remaining, err := b.Remaining(ctx)
		if err != nil {
			var adwErr *adwerrors.ADWError
			if adwerrors.As(err, &adwErr) && adwErr.Code == adwerrors.CodeQuotaExhausted {
				return err
			}
			g.logger.Warn("quota probe failed, skipping backend",
				"backend", b.Name(), "error", err)
			continue
		}
		if remaining < g.threshold {
			return adwerrors.ErrQuotaExhausted(b.Name(), remaining, g.threshold)
		}
	}
	return nil
}

// MessagesClient is the subset of the Anthropic SDK used for probing. It is
// satisfied by *sdk.MessageService so tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicBackend probes the LLM API with a minimal one-token message. The
// API exposes no budget-query endpoint, so the probe distinguishes only
// healthy from rate-limited.
type AnthropicBackend struct {
	msg   MessagesClient
	model sdk.Model
}

// NewAnthropicBackend creates a backend from an API key.
func NewAnthropicBackend(apiKey string, model sdk.Model) *AnthropicBackend {
	client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &AnthropicBackend{msg: &client.Messages, model: model}
}

// NewAnthropicBackendFromClient creates a backend from an existing client,
// for tests.
func NewAnthropicBackendFromClient(msg MessagesClient, model sdk.Model) *AnthropicBackend {
	return &AnthropicBackend{msg: msg, model: model}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Remaining pings the Messages API with a one-token request. HTTP 429 means
// the window is exhausted; any successful response means capacity exists.
func (b *AnthropicBackend) Remaining(ctx context.Context) (int, error) {
	_, err := b.msg.New(ctx, sdk.MessageNewParams{
		Model:     b.model,
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return 0, nil
		}
		return 0, err
	}
	return math.MaxInt, nil
}

// RateLimitsService is the subset of go-github used for probing.
type RateLimitsService interface {
	Get(ctx context.Context) (*gogithub.RateLimits, *gogithub.Response, error)
}

// GitHubBackend probes the hosting API's core rate limit.
type GitHubBackend struct {
	limits RateLimitsService
}

// NewGitHubBackend creates a backend over a go-github client.
func NewGitHubBackend(client *gogithub.Client) *GitHubBackend {
	return &GitHubBackend{limits: client.RateLimit}
}

// NewGitHubBackendFromService creates a backend from a service, for tests.
func NewGitHubBackendFromService(limits RateLimitsService) *GitHubBackend {
	return &GitHubBackend{limits: limits}
}

func (b *GitHubBackend) Name() string { return "github" }

// Remaining reads the core limit from the rate-limit endpoint, which does
// not itself consume quota.
func (b *GitHubBackend) Remaining(ctx context.Context) (int, error) {
	limits, _, err := b.limits.Get(ctx)
	if err != nil {
		return 0, err
	}
	if limits == nil || limits.Core == nil {
		return 0, errors.New("rate limit response missing core limit")
	}
	return limits.Core.Remaining, nil
}
