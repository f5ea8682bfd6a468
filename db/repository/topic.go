package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

// TopicRepository implements TopicStore over Postgres.
type TopicRepository struct {
	pg *db.Postgres
}

// NewTopicRepository creates a topic repository.
func NewTopicRepository(pg *db.Postgres) *TopicRepository {
	return &TopicRepository{pg: pg}
}

// GetByID loads a topic.
func (r *TopicRepository) GetByID(ctx context.Context, id int64) (*db.Topic, error) {
	var t db.Topic
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).First(&t, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.Ef(common.KindNotFound, "topic %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all topics ordered by id.
func (r *TopicRepository) List(ctx context.Context) ([]db.Topic, error) {
	var topics []db.Topic
	err := db.WithRetry(ctx, func() error {
		return r.pg.Gorm().WithContext(ctx).Order("id").Find(&topics).Error
	})
	return topics, err
}

// Create inserts a topic inside the supplied transaction. The cluster
// stage spawns topics transactionally with the annotation updates that
// reference them.
func (r *TopicRepository) Create(tx *gorm.DB, t *db.Topic) error {
	return tx.Create(t).Error
}

// UpdateLabel changes a topic's label and keywords in place.
func (r *TopicRepository) UpdateLabel(tx *gorm.DB, id int64, label string, keywords []string) error {
	res := tx.Model(&db.Topic{}).Where("id = ?", id).
		Updates(map[string]interface{}{"label": label, "keywords": keywords})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "topic %d not found", id)
	}
	return nil
}

// FeedbackForTopic pages through the feedback assigned to one topic,
// newest first. Returns the page and the total assignment count.
func (r *TopicRepository) FeedbackForTopic(ctx context.Context, topicID int64, page, pageSize int) ([]db.Feedback, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	var items []db.Feedback
	err := db.WithRetry(ctx, func() error {
		gdb := r.pg.Gorm().WithContext(ctx)
		if err := gdb.Model(&db.Annotation{}).Where("topic_id = ?", topicID).Count(&total).Error; err != nil {
			return err
		}
		return gdb.Preload("Annotation").
			Joins("JOIN nlp_annotation na ON na.feedback_id = feedback.id").
			Where("na.topic_id = ?", topicID).
			Order("feedback.created_at DESC").
			Offset((page - 1) * pageSize).
			Limit(pageSize).
			Find(&items).Error
	})
	return items, total, err
}
