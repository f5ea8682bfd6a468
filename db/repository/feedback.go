package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

// insertChunkSize bounds multi-row inserts so upload batches never build
// one giant statement.
const insertChunkSize = 500

// FeedbackRepository implements FeedbackStore over Postgres.
type FeedbackRepository struct {
	pg *db.Postgres
}

// NewFeedbackRepository creates a feedback repository.
func NewFeedbackRepository(pg *db.Postgres) *FeedbackRepository {
	return &FeedbackRepository{pg: pg}
}

// Create inserts a single feedback row.
func (r *FeedbackRepository) Create(ctx context.Context, f *db.Feedback) error {
	return db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Create(f).Error
	})
}

// CreateMany inserts rows in chunks inside the supplied transaction.
// When tx is nil a fresh transaction spans the whole set.
func (r *FeedbackRepository) CreateMany(ctx context.Context, tx *gorm.DB, items []*db.Feedback) error {
	if len(items) == 0 {
		return nil
	}
	if tx != nil {
		return tx.CreateInBatches(items, insertChunkSize).Error
	}
	return r.pg.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(items, insertChunkSize).Error
	})
}

// GetByID loads a feedback row with its live annotation.
func (r *FeedbackRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Feedback, error) {
	var f db.Feedback
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Preload("Annotation").First(&f, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.Ef(common.KindNotFound, "feedback %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListByIDs loads feedback rows for the given identifiers, annotations
// included. Missing identifiers are silently absent from the result.
func (r *FeedbackRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Feedback, error) {
	var items []db.Feedback
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Preload("Annotation").Where("id IN ?", ids).Find(&items).Error
	})
	return items, err
}

// CountByIDs reports how many of the given identifiers are persisted.
// The ingest stage uses it to verify a batch before cascading.
func (r *FeedbackRepository) CountByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var count int64
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Model(&db.Feedback{}).Where("id IN ?", ids).Count(&count).Error
	})
	return count, err
}

// UpsertAnnotation writes the single live annotation for a feedback.
// Replaying the annotate stage hits the conflict path and updates the
// existing row, which is what keeps the stage idempotent.
func (r *FeedbackRepository) UpsertAnnotation(tx *gorm.DB, ann *db.Annotation) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "feedback_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sentiment", "sentiment_score", "toxicity_score", "model_version", "updated_at",
		}),
	}).Create(ann).Error
}

// SetAnnotationTopic updates the topic field on the live annotation.
// Updates in place; never creates a duplicate row.
func (r *FeedbackRepository) SetAnnotationTopic(tx *gorm.DB, feedbackID uuid.UUID, topicID int64) error {
	res := tx.Model(&db.Annotation{}).
		Where("feedback_id = ?", feedbackID).
		Updates(map[string]interface{}{"topic_id": topicID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "no annotation for feedback %s", feedbackID)
	}
	return nil
}

// CountOlderThan counts feedback created before the cutoff. Used by the
// cleanup dry run.
func (r *FeedbackRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Model(&db.Feedback{}).Where("created_at < ?", cutoff).Count(&count).Error
	})
	return count, err
}

// DeleteOlderThan removes feedback created before the cutoff along with
// their annotations, in one transaction.
func (r *FeedbackRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.pg.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("feedback_id IN (?)",
			tx.Model(&db.Feedback{}).Select("id").Where("created_at < ?", cutoff),
		).Delete(&db.Annotation{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&db.Feedback{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
