package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"feedbackcore.org/admin"
	"feedbackcore.org/analytics"
	"feedbackcore.org/api"
	"feedbackcore.org/auth"
	"feedbackcore.org/chat"
	"feedbackcore.org/common"
	"feedbackcore.org/export"
	"feedbackcore.org/ingest"
	"feedbackcore.org/nlp"
)

func init() {
	RootCmd.AddCommand(serverCmd)
	serverCmd.Flags().Bool("migrate", false, "run schema migrations before serving")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the HTTP API server",
	Long: `Serves the ingestion, analytics, chat, admin and export endpoints.
Enrichment jobs are enqueued here and consumed by the worker command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			if err := a.pg.Migrate(ctx); err != nil {
				return err
			}
		}

		cfg := a.cfg
		tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.TokenLifetime)
		authn := auth.NewAuthenticator(cfg.Security)

		ingestSvc := ingest.New(a.pg, a.feedback, a.batches, a.jobs, a.events, cfg.Features.EnglishOnly)
		analyticsEngine := analytics.NewEngine(a.analytics, a.cache)
		adminSvc := admin.New(a.pg, a.feedback, a.topics, a.audit, a.cache)
		exportEngine := export.NewEngine(a.pg.ReadOnly())

		embedder := nlp.NewEmbedder(cfg.Vector.Dimensions)
		tools := chat.NewToolset(a.pg.ReadOnly(), a.feedback, a.vectors, embedder)
		chatSvc := chat.New(chat.NewHTTPLLMClient(cfg.Chat), tools, a.feedback, a.cache)

		srv := api.NewServer(cfg, tokens, authn, ingestSvc, analyticsEngine, adminSvc, chatSvc, exportEngine)

		common.Logger.WithFields(map[string]interface{}{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		}).Info("starting HTTP server")
		return srv.Start(ctx)
	},
}
