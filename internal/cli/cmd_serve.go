package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/adw/internal/api"
	"github.com/randalmurphal/adw/internal/orchestrator"
	"github.com/randalmurphal/adw/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and dashboard server",
		Long: `Start the HTTP server and the phase coordinator.

The server exposes:
  • POST /webhooks/github   code-host deliveries (template token launches)
  • GET  /ws                live event stream for dashboards
  • GET  /api/...           workflow inspection and control

The coordinator runs alongside, executing queued phases. Only one serve
instance may run per project; the coordinator lock enforces this.

Example:
  adw serve
  adw serve --addr :8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if !cmd.Flags().Changed("addr") {
				addr = eng.cfg.WebhookListenAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var serverOpts []api.ServerOption
			serverOpts = append(serverOpts, api.WithServerLogger(eng.logger))
			if eng.cfg.WebhookSecret != "" {
				hook := webhook.NewHandler(eng.cfg.WebhookSecret, webhookLauncher(ctx, eng),
					webhook.WithDedupWindow(eng.cfg.WebhookDedupWindow()),
					webhook.WithLogger(eng.logger))
				serverOpts = append(serverOpts, api.WithWebhook(hook))
			} else {
				eng.logger.Warn("webhook_secret not configured, webhook route disabled")
			}

			server := api.NewServer(addr, eng.store, eng.emitter, eng.pub, serverOpts...)

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return server.Start(ctx) })
			group.Go(func() error { return eng.coord.Run(ctx) })

			if err := group.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			fmt.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	return cmd
}

// webhookLauncher starts workflows from webhook deliveries. Launches run in
// the background; failures surface through events and workflow state.
func webhookLauncher(ctx context.Context, eng *engine) webhook.Launcher {
	return webhook.LauncherFunc(func(issueID, template string) {
		go func() {
			id, err := eng.orch.Run(ctx, issueID, orchestrator.Options{Template: template})
			if err != nil {
				eng.logger.Error("webhook-launched workflow failed",
					"workflow_id", id, "issue_id", issueID, "error", err)
			}
		}()
	})
}
