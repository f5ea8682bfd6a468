// Package repository implements parameterised data access for the
// feedback-core service. Handlers and workers never build SQL
// themselves; every statement lives here or in the read-only analytics
// repository.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/db"
)

// FeedbackStore is the write-side surface for feedback rows and their
// annotations.
type FeedbackStore interface {
	Create(ctx context.Context, f *db.Feedback) error
	CreateMany(ctx context.Context, tx *gorm.DB, items []*db.Feedback) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Feedback, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Feedback, error)
	CountByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
	UpsertAnnotation(tx *gorm.DB, ann *db.Annotation) error
	SetAnnotationTopic(tx *gorm.DB, feedbackID uuid.UUID, topicID int64) error
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TopicStore is the surface for topic rows.
type TopicStore interface {
	GetByID(ctx context.Context, id int64) (*db.Topic, error)
	List(ctx context.Context) ([]db.Topic, error)
	Create(tx *gorm.DB, t *db.Topic) error
	UpdateLabel(tx *gorm.DB, id int64, label string, keywords []string) error
	FeedbackForTopic(ctx context.Context, topicID int64, page, pageSize int) ([]db.Feedback, int64, error)
}

// AuditStore appends and lists immutable audit entries.
type AuditStore interface {
	Append(tx *gorm.DB, entry *db.TopicAuditLog) error
	List(ctx context.Context, topicID *int64, limit int) ([]db.TopicAuditLog, error)
}

// BatchStore tracks upload batches through the pipeline.
type BatchStore interface {
	Create(ctx context.Context, b *db.Batch) error
	Get(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	Update(ctx context.Context, b *db.Batch) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkComplete(ctx context.Context, id uuid.UUID) error
}
