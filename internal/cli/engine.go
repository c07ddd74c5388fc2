package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/randalmurphal/adw/internal/agent"
	"github.com/randalmurphal/adw/internal/classify"
	"github.com/randalmurphal/adw/internal/config"
	"github.com/randalmurphal/adw/internal/coordinator"
	"github.com/randalmurphal/adw/internal/db"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/executor"
	"github.com/randalmurphal/adw/internal/hosting"
	"github.com/randalmurphal/adw/internal/lock"
	"github.com/randalmurphal/adw/internal/orchestrator"
	"github.com/randalmurphal/adw/internal/portpool"
	"github.com/randalmurphal/adw/internal/queue"
	"github.com/randalmurphal/adw/internal/quota"
	"github.com/randalmurphal/adw/internal/safety"
	"github.com/randalmurphal/adw/internal/state"
	"github.com/randalmurphal/adw/internal/tracker"
	"github.com/randalmurphal/adw/internal/worktree"
)

// probeModel is the cheap model used for quota pings.
const probeModel = sdk.ModelClaudeHaiku4_5

// engine bundles the wired components behind the CLI commands.
type engine struct {
	root     string
	cfg      *config.Config
	database *db.DB
	store    *state.Store
	queue    *queue.Queue
	progress *tracker.Tracker
	ports    *portpool.Pool
	trees    *worktree.Manager
	pub      *events.MemoryPublisher
	emitter  *events.Emitter
	exec     *executor.Executor
	coord    *coordinator.Coordinator
	host     hosting.Host
	orch     *orchestrator.Orchestrator
	locker   *lock.FileLocker
	logger   *slog.Logger
}

// buildEngine wires all components from the project config. root is the
// repository the engine operates on.
func buildEngine() (*engine, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	adwDir := filepath.Join(root, config.ADWDir)
	if err := os.MkdirAll(adwDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", adwDir, err)
	}

	database, err := db.Open(filepath.Join(adwDir, "adw.db"))
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(root, cfg.StateDir)
	store := state.NewStore(stateDir, logger)
	progress := tracker.New(stateDir)
	q := queue.New(database)
	ports := portpool.New(filepath.Join(adwDir, "ports.json"), cfg.PortRangeStart, cfg.PortRangeSize)
	trees := worktree.NewManager(root, cfg.WorktreeDir, logger)

	pub := events.NewMemoryPublisher()
	emitterOpts := []events.EmitterOption{
		events.WithDatabase(database),
		events.WithPublisher(pub),
		events.WithLogger(logger),
	}
	if cfg.ObservabilityEndpoint != "" {
		emitterOpts = append(emitterOpts, events.WithEndpoint(cfg.ObservabilityEndpoint))
	}
	emitter := events.NewEmitter(stateDir, emitterOpts...)

	runner := agent.NewCLIRunner(cfg.AgentCLIPath, logger)
	exec := executor.New(store, safety.New(logger), runner, emitter,
		cfg.PhaseTimeoutDefault(), logger)

	locker := lock.NewFileLocker(filepath.Join(adwDir, "coordinator.lock"), lock.DefaultOwner())
	coord := coordinator.New(q, exec, store, progress, emitter, locker,
		coordinator.WithPollInterval(cfg.PollInterval()),
		coordinator.WithStrict(cfg.StopOnLintFailure),
		coordinator.WithLogger(logger))

	var host hosting.Host
	var githubHost *hosting.GitHubHost
	if cfg.GitHubToken != "" {
		githubHost, err = hosting.NewGitHubHost(cfg.GitHubToken, cfg.GitHubRepo, root)
		if err != nil {
			return nil, err
		}
		host = githubHost
	}

	var backends []quota.Backend
	if cfg.AnthropicAPIKey != "" {
		backends = append(backends, quota.NewAnthropicBackend(cfg.AnthropicAPIKey, probeModel))
	}
	if githubHost != nil {
		backends = append(backends, quota.NewGitHubBackend(githubHost.Client()))
	}
	var guard orchestrator.QuotaChecker
	if len(backends) > 0 {
		guard = quota.New(cfg.LLMQuotaThreshold, logger, backends...)
	}

	// Tick does not take the coordinator lock, so the orchestrator's drive
	// loop can share the instance with serve mode.
	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: classify.New(),
		Ports:      ports,
		Trees:      trees,
		Queue:      q,
		Executor:   exec,
		Coord:      coord,
		Progress:   progress,
		Emitter:    emitter,
		Host:       host,
		Guard:      guard,
		BaseBranch: cfg.BaseBranch,
		Strict:     cfg.StopOnLintFailure,
		Logger:     logger,
	})

	return &engine{
		root:     root,
		cfg:      cfg,
		database: database,
		store:    store,
		queue:    q,
		progress: progress,
		ports:    ports,
		trees:    trees,
		pub:      pub,
		emitter:  emitter,
		exec:     exec,
		coord:    coord,
		host:     host,
		orch:     orch,
		locker:   locker,
		logger:   logger,
	}, nil
}

// Close releases engine resources.
func (e *engine) Close() {
	e.pub.Close()
	if err := e.database.Close(); err != nil {
		e.logger.Warn("database close failed", "error", err)
	}
}
