package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"feedbackcore.org/common"
	"feedbackcore.org/enrich"
	"feedbackcore.org/nlp"
	"feedbackcore.org/queue"
	"feedbackcore.org/worker"
)

func init() {
	RootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the enrichment worker pool",
	Long: `Consumes the ingest, annotate, cluster and reports queues. Worker
counts per queue come from the queue.workers configuration map.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		cfg := a.cfg
		embedder := nlp.NewEmbedder(cfg.Vector.Dimensions)

		var scorer nlp.SentimentScorer = nlp.LexiconScorer{}
		var fallback nlp.SentimentScorer
		if cfg.Features.UseHFSentiment && cfg.Features.SentimentEndpoint != "" {
			scorer = nlp.NewRemoteScorer(cfg.Features.SentimentEndpoint)
			fallback = nlp.LexiconScorer{}
		}

		processors := map[string]worker.JobProcessor{
			queue.QueueIngest: &enrich.IngestProcessor{
				Feedback: a.feedback,
				Batches:  a.batches,
				Jobs:     a.jobs,
			},
			queue.QueueAnnotate: &enrich.AnnotateProcessor{
				PG:        a.pg,
				Feedback:  a.feedback,
				Batches:   a.batches,
				Jobs:      a.jobs,
				Sentiment: scorer,
				Fallback:  fallback,
			},
			queue.QueueCluster: &enrich.ClusterProcessor{
				PG:       a.pg,
				Feedback: a.feedback,
				Topics:   a.topics,
				Vectors:  a.vectors,
				Jobs:     a.jobs,
				Embedder: embedder,
			},
			queue.QueueReports: &enrich.ReportsProcessor{
				PG:        a.pg,
				Analytics: a.analytics,
				Batches:   a.batches,
				Cache:     a.cache,
				Events:    a.events,
			},
		}

		pool := worker.NewPool(a.jobs, processors, cfg.Queue.Workers)
		pool.Start(ctx)

		<-ctx.Done()
		common.Logger.Info("shutdown signal received, draining workers")
		pool.Stop()
		return nil
	},
}
