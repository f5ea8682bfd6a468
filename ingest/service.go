// Package ingest implements the ingestion pipeline: single and batch
// submission, streaming CSV/JSONL uploads with within-batch
// deduplication, and the handoff into the enrichment queues.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/metrics"
	"feedbackcore.org/nlp"
	"feedbackcore.org/queue"
)

// MaxBatchItems caps a single bulk submission.
const MaxBatchItems = 1000

// uploadChunkSize is how many accepted rows are persisted per insert.
const uploadChunkSize = 500

// Item is one submitted feedback row.
type Item struct {
	Source     string            `json:"source"`
	Body       string            `json:"body"`
	CustomerID *string           `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

// Outcome classifies what happened to one submitted row.
type Outcome struct {
	Index  int        `json:"index"`
	Status string     `json:"status"` // created, duplicate, error, skipped_non_english
	ID     *uuid.UUID `json:"id,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Outcome statuses.
const (
	OutcomeCreated    = "created"
	OutcomeDuplicate  = "duplicate"
	OutcomeError      = "error"
	OutcomeSkippedNE  = "skipped_non_english"
)

// UploadResult summarises a streamed upload.
type UploadResult struct {
	BatchID   uuid.UUID `json:"batch_id"`
	JobID     string    `json:"job_id"`
	Processed int       `json:"processed"`
	Created   int       `json:"created"`
	Duplicate int       `json:"duplicate"`
	Errors    int       `json:"errors"`
	SkippedNE int       `json:"skipped_non_english"`
}

// Service is the ingestion pipeline.
type Service struct {
	pg          *db.Postgres
	feedback    repository.FeedbackStore
	batches     repository.BatchStore
	jobs        *queue.Queue
	events      *queue.EventPublisher
	englishOnly bool
}

// New creates the ingestion service.
func New(pg *db.Postgres, feedback repository.FeedbackStore, batches repository.BatchStore, jobs *queue.Queue, events *queue.EventPublisher, englishOnly bool) *Service {
	return &Service{
		pg:          pg,
		feedback:    feedback,
		batches:     batches,
		jobs:        jobs,
		events:      events,
		englishOnly: englishOnly,
	}
}

// validate rejects rows the pipeline cannot accept.
func validate(item Item) error {
	if item.Source == "" {
		return common.E(common.KindValidation, "source is required")
	}
	if len(item.Body) == 0 {
		return common.E(common.KindValidation, "body must not be empty")
	}
	if len(item.Body) > 10000 {
		return common.E(common.KindTooLarge, "body exceeds 10000 characters")
	}
	return nil
}

// buildRow turns a validated item into a persistable feedback row.
func buildRow(item Item) *db.Feedback {
	normalized := nlp.Normalize(item.Body)
	meta := "{}"
	if len(item.Metadata) > 0 {
		meta = encodeMeta(item.Metadata)
	}
	return &db.Feedback{
		ID:               uuid.New(),
		Source:           item.Source,
		CustomerID:       item.CustomerID,
		Text:             item.Body,
		NormalizedText:   normalized,
		DetectedLanguage: nlp.DetectLanguage(normalized),
		Meta:             meta,
		CreatedAt:        time.Now().UTC(),
	}
}

// CreateOne persists a single feedback row and enqueues its annotate
// job. Synchronous with respect to the HTTP response.
func (s *Service) CreateOne(ctx context.Context, item Item) (uuid.UUID, error) {
	if err := validate(item); err != nil {
		return uuid.Nil, err
	}

	row := buildRow(item)
	if err := s.feedback.Create(ctx, row); err != nil {
		return uuid.Nil, err
	}
	metrics.FeedbackIngested.WithLabelValues(row.Source).Inc()

	job := &queue.Job{
		Queue:       queue.QueueAnnotate,
		FeedbackIDs: []uuid.UUID{row.ID},
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		// The row is persisted; the reaper or a manual replay will pick
		// it up. Log and answer success.
		common.Logger.WithError(err).WithField("feedback_id", row.ID).Error("failed to enqueue annotate job")
	}
	return row.ID, nil
}

// CreateBatch validates each row, inserts accepted rows in one
// transaction, and returns outcomes in input order.
func (s *Service) CreateBatch(ctx context.Context, items []Item) ([]Outcome, error) {
	if len(items) == 0 {
		return nil, common.E(common.KindValidation, "batch must not be empty")
	}
	if len(items) > MaxBatchItems {
		return nil, common.Ef(common.KindTooLarge, "batch exceeds %d items", MaxBatchItems)
	}

	outcomes := make([]Outcome, len(items))
	seen := make(map[dedupeKey]struct{}, len(items))
	var accepted []*db.Feedback
	var acceptedIdx []int

	for i, item := range items {
		outcomes[i].Index = i
		if err := validate(item); err != nil {
			outcomes[i].Status = OutcomeError
			outcomes[i].Detail = err.Error()
			continue
		}
		row := buildRow(item)
		key := keyFor(row)
		if _, dup := seen[key]; dup {
			outcomes[i].Status = OutcomeDuplicate
			continue
		}
		seen[key] = struct{}{}
		accepted = append(accepted, row)
		acceptedIdx = append(acceptedIdx, i)
	}

	if len(accepted) > 0 {
		err := s.pg.Transaction(ctx, func(tx *gorm.DB) error {
			return s.feedback.CreateMany(ctx, tx, accepted)
		})
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, len(accepted))
		for i, row := range accepted {
			idx := acceptedIdx[i]
			id := row.ID
			outcomes[idx].Status = OutcomeCreated
			outcomes[idx].ID = &id
			ids[i] = id
			metrics.FeedbackIngested.WithLabelValues(row.Source).Inc()
		}
		if err := s.jobs.Enqueue(ctx, &queue.Job{
			Queue:       queue.QueueAnnotate,
			FeedbackIDs: ids,
		}); err != nil {
			common.Logger.WithError(err).Error("failed to enqueue annotate job for batch")
		}
	}
	return outcomes, nil
}

// GetFeedback loads one feedback row with its annotation.
func (s *Service) GetFeedback(ctx context.Context, id uuid.UUID) (*db.Feedback, error) {
	return s.feedback.GetByID(ctx, id)
}

type dedupeKey struct {
	normalized string
	source     string
	customerID string
}

func keyFor(row *db.Feedback) dedupeKey {
	k := dedupeKey{normalized: row.NormalizedText, source: row.Source}
	if row.CustomerID != nil {
		k.customerID = *row.CustomerID
	}
	return k
}
