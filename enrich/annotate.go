// Package enrich implements the four pipeline stages that turn raw
// feedback rows into enriched records: batch verification, sentiment
// and toxicity annotation, embedding and topic clustering, and the
// report finalisation step. Every stage is idempotent on replay.
package enrich

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/nlp"
	"feedbackcore.org/queue"
)

// IngestProcessor verifies an uploaded batch fully persisted before
// cascading into annotation.
type IngestProcessor struct {
	Feedback repository.FeedbackStore
	Batches  repository.BatchStore
	Jobs     *queue.Queue
}

// Timeout bounds one ingest verification job.
func (p *IngestProcessor) Timeout() time.Duration { return 60 * time.Second }

// Process verifies the batch rows are persisted and enqueues the
// annotate job. Missing rows are logged but do not block the rest of
// the batch.
func (p *IngestProcessor) Process(ctx context.Context, job *queue.Job) error {
	if len(job.FeedbackIDs) == 0 {
		return nil
	}

	count, err := p.Feedback.CountByIDs(ctx, job.FeedbackIDs)
	if err != nil {
		return err
	}
	if count != int64(len(job.FeedbackIDs)) {
		common.Logger.WithFields(map[string]interface{}{
			"batch_id": job.BatchID,
			"expected": len(job.FeedbackIDs),
			"found":    count,
		}).Warn("batch rows missing at verification")
	}

	if err := p.Batches.SetStatus(ctx, job.BatchID, db.BatchStatusAnnotating); err != nil {
		common.Logger.WithError(err).WithField("batch_id", job.BatchID).Warn("failed to advance batch status")
	}

	return p.Jobs.Enqueue(ctx, &queue.Job{
		Queue:       queue.QueueAnnotate,
		BatchID:     job.BatchID,
		FeedbackIDs: job.FeedbackIDs,
	})
}

// AnnotateProcessor computes sentiment and toxicity for each feedback
// in the batch and upserts annotations.
type AnnotateProcessor struct {
	PG        *db.Postgres
	Feedback  repository.FeedbackStore
	Batches   repository.BatchStore
	Jobs      *queue.Queue
	Sentiment nlp.SentimentScorer
	Fallback  nlp.SentimentScorer
}

// Timeout bounds one annotation job.
func (p *AnnotateProcessor) Timeout() time.Duration { return 120 * time.Second }

// Process scores each feedback and writes one annotation row per
// feedback under a transaction. Per-row logical failures skip the row
// and continue; the batch cascades to clustering regardless.
func (p *AnnotateProcessor) Process(ctx context.Context, job *queue.Job) error {
	rows, err := p.Feedback.ListByIDs(ctx, job.FeedbackIDs)
	if err != nil {
		return err
	}

	err = p.PG.Transaction(ctx, func(tx *gorm.DB) error {
		for i := range rows {
			row := &rows[i]
			res, err := p.score(ctx, row.NormalizedText)
			if err != nil {
				common.Logger.WithError(err).WithField("feedback_id", row.ID).Warn("sentiment scoring failed, skipping row")
				continue
			}
			tox := nlp.ScoreToxicity(row.NormalizedText)

			class := res.Class
			score := res.Score
			ann := &db.Annotation{
				FeedbackID:     row.ID,
				Sentiment:      &class,
				SentimentScore: &score,
				ToxicityScore:  &tox,
				ModelVersion:   res.Version,
			}
			if err := p.Feedback.UpsertAnnotation(tx, ann); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if job.BatchID != uuid.Nil {
		if err := p.Batches.SetStatus(ctx, job.BatchID, db.BatchStatusClustering); err != nil {
			if !common.IsKind(err, common.KindNotFound) {
				common.Logger.WithError(err).WithField("batch_id", job.BatchID).Warn("failed to advance batch status")
			}
		}
	}

	return p.Jobs.Enqueue(ctx, &queue.Job{
		Queue:       queue.QueueCluster,
		BatchID:     job.BatchID,
		FeedbackIDs: job.FeedbackIDs,
	})
}

// score tries the configured scorer and falls back to the lexicon when
// the remote endpoint is unavailable.
func (p *AnnotateProcessor) score(ctx context.Context, normalized string) (nlp.SentimentResult, error) {
	res, err := p.Sentiment.Score(ctx, normalized)
	if err != nil && p.Fallback != nil {
		common.Logger.WithError(err).Debug("remote sentiment failed, using lexicon fallback")
		return p.Fallback.Score(ctx, normalized)
	}
	return res, err
}
