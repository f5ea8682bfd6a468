package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"feedbackcore.org/db"
)

// AuditRepository implements AuditStore. The table is append-only; no
// update or delete method exists on purpose.
type AuditRepository struct {
	pg *db.Postgres
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(pg *db.Postgres) *AuditRepository {
	return &AuditRepository{pg: pg}
}

// Append writes an audit entry inside the mutation's transaction, so the
// entry commits or rolls back with the change it records.
func (r *AuditRepository) Append(tx *gorm.DB, entry *db.TopicAuditLog) error {
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	return tx.Create(entry).Error
}

// List returns recent audit entries, newest first, optionally filtered
// to one topic.
func (r *AuditRepository) List(ctx context.Context, topicID *int64, limit int) ([]db.TopicAuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	var entries []db.TopicAuditLog
	err := db.WithRetry(ctx, func() error {
		q := r.pg.Gorm().WithContext(ctx).Order("changed_at DESC").Limit(limit)
		if topicID != nil {
			q = q.Where("topic_id = ?", *topicID)
		}
		return q.Find(&entries).Error
	})
	return entries, err
}
