package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

// BatchRepository implements BatchStore over Postgres.
type BatchRepository struct {
	pg *db.Postgres
}

// NewBatchRepository creates a batch repository.
func NewBatchRepository(pg *db.Postgres) *BatchRepository {
	return &BatchRepository{pg: pg}
}

// Create inserts a batch row.
func (r *BatchRepository) Create(ctx context.Context, b *db.Batch) error {
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = time.Now().UTC()
	}
	return db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Create(b).Error
	})
}

// Get loads a batch row.
func (r *BatchRepository) Get(ctx context.Context, id uuid.UUID) (*db.Batch, error) {
	var b db.Batch
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).First(&b, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.Ef(common.KindNotFound, "batch %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Update persists the full batch row, counters included.
func (r *BatchRepository) Update(ctx context.Context, b *db.Batch) error {
	return db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Save(b).Error
	})
}

// SetStatus advances the batch through the pipeline stages.
func (r *BatchRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return db.WithRetry(ctx, func() error {
		res := r.pg.Gorm().WithContext(ctx).Model(&db.Batch{}).
			Where("id = ?", id).Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.Ef(common.KindNotFound, "batch %s not found", id)
		}
		return nil
	})
}

// MarkComplete stamps completion time and final status in one update.
func (r *BatchRepository) MarkComplete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return db.WithRetry(ctx, func() error {
		res := r.pg.Gorm().WithContext(ctx).Model(&db.Batch{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":       db.BatchStatusComplete,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.Ef(common.KindNotFound, "batch %s not found", id)
		}
		return nil
	})
}
