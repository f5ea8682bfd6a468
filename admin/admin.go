// Package admin implements the administrative surface: the audited
// topic mutations, maintenance operations, and system diagnostics.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
)

// mutationTimeout bounds one admin mutation transaction.
const mutationTimeout = 10 * time.Second

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	Username  string
	IP        string
	UserAgent string
}

// Service is the admin engine.
type Service struct {
	pg       *db.Postgres
	feedback repository.FeedbackStore
	topics   repository.TopicStore
	audit    repository.AuditStore
	cache    *cache.Cache
}

// New creates the admin service.
func New(pg *db.Postgres, feedback repository.FeedbackStore, topics repository.TopicStore, audit repository.AuditStore, c *cache.Cache) *Service {
	return &Service{pg: pg, feedback: feedback, topics: topics, audit: audit, cache: c}
}

// RelabelTopic renames a topic and replaces its keywords. In one
// transaction: read the current row, write the new label, append the
// audit entry with before/after deltas. Cache invalidation and the view
// refresh run after commit.
func (s *Service) RelabelTopic(ctx context.Context, topicID int64, newLabel string, newKeywords []string, actor Actor) (*db.Topic, error) {
	if newLabel == "" {
		return nil, common.E(common.KindValidation, "new label must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var updated *db.Topic
	err := s.pg.Transaction(ctx, func(tx *gorm.DB) error {
		var current db.Topic
		// Row lock serialises concurrent mutations of the same topic.
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", topicID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.Ef(common.KindNotFound, "topic %d not found", topicID)
			}
			return err
		}

		before := mustJSON(map[string]interface{}{"label": current.Label, "keywords": current.Keywords})
		after := mustJSON(map[string]interface{}{"label": newLabel, "keywords": newKeywords})

		if err := s.topics.UpdateLabel(tx, topicID, newLabel, newKeywords); err != nil {
			return err
		}
		if err := s.audit.Append(tx, &db.TopicAuditLog{
			TopicID:   &topicID,
			Action:    db.AuditActionRelabel,
			Before:    before,
			After:     after,
			ChangedBy: actor.Username,
			ActorIP:   actor.IP,
			ActorUA:   actor.UserAgent,
		}); err != nil {
			return err
		}

		current.Label = newLabel
		current.Keywords = newKeywords
		updated = &current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.postMutation(ctx)
	return updated, nil
}

// ReassignFeedback moves feedback items to the target topic. In one
// transaction: verify the target exists, update each annotation, append
// one audit entry per reassigned feedback. Partial failure rolls the
// whole set back.
func (s *Service) ReassignFeedback(ctx context.Context, feedbackIDs []uuid.UUID, targetTopicID int64, reason string, actor Actor) (int, error) {
	if len(feedbackIDs) == 0 {
		return 0, common.E(common.KindValidation, "feedback_ids must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var moved int
	err := s.pg.Transaction(ctx, func(tx *gorm.DB) error {
		var target db.Topic
		if err := tx.First(&target, "id = ?", targetTopicID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.Ef(common.KindNotFound, "topic %d not found", targetTopicID)
			}
			return err
		}

		for _, fid := range feedbackIDs {
			var ann db.Annotation
			if err := tx.First(&ann, "feedback_id = ?", fid).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return common.Ef(common.KindNotFound, "no annotation for feedback %s", fid)
				}
				return err
			}

			before := mustJSON(map[string]interface{}{"topic_id": ann.TopicID})
			after := mustJSON(map[string]interface{}{"topic_id": targetTopicID, "reason": reason})

			if err := s.feedback.SetAnnotationTopic(tx, fid, targetTopicID); err != nil {
				return err
			}
			if err := s.audit.Append(tx, &db.TopicAuditLog{
				TopicID:   &targetTopicID,
				Action:    db.AuditActionReassign,
				Before:    before,
				After:     after,
				ChangedBy: actor.Username,
				ActorIP:   actor.IP,
				ActorUA:   actor.UserAgent,
			}); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.postMutation(ctx)
	return moved, nil
}

// postMutation runs the after-commit steps shared by both mutations.
func (s *Service) postMutation(ctx context.Context) {
	s.cache.InvalidateAnalytics(context.WithoutCancel(ctx))
	if err := s.pg.RefreshDailyAggregates(context.WithoutCancel(ctx)); err != nil {
		common.Logger.WithError(err).Warn("post-mutation view refresh failed")
	}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CleanupResult reports what a cleanup run did or would do.
type CleanupResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Matched int64     `json:"matched"`
	Deleted int64     `json:"deleted"`
	DryRun  bool      `json:"dry_run"`
}

// CleanupOldData deletes feedback older than daysOld days, or just
// counts when dryRun is set.
func (s *Service) CleanupOldData(ctx context.Context, daysOld int, dryRun bool) (*CleanupResult, error) {
	if daysOld < 1 {
		return nil, common.E(common.KindValidation, "days_old must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)

	matched, err := s.feedback.CountOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Cutoff: cutoff, Matched: matched, DryRun: dryRun}
	if dryRun || matched == 0 {
		return result, nil
	}

	deleted, err := s.feedback.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted
	s.postMutation(ctx)
	return result, nil
}

// ClearCache drops all analytics cache entries.
func (s *Service) ClearCache(ctx context.Context) int {
	return s.cache.InvalidateAnalytics(ctx)
}

// AuditLog lists recent audit entries, optionally for one topic.
func (s *Service) AuditLog(ctx context.Context, topicID *int64, limit int) ([]db.TopicAuditLog, error) {
	return s.audit.List(ctx, topicID, limit)
}

// Topics lists all topics.
func (s *Service) Topics(ctx context.Context) ([]db.Topic, error) {
	return s.topics.List(ctx)
}

// TopicFeedback pages through a topic's assigned feedback.
func (s *Service) TopicFeedback(ctx context.Context, topicID int64, page, pageSize int) ([]db.Feedback, int64, error) {
	if _, err := s.topics.GetByID(ctx, topicID); err != nil {
		return nil, 0, err
	}
	return s.topics.FeedbackForTopic(ctx, topicID, page, pageSize)
}

// RefreshView triggers a materialised-view refresh.
func (s *Service) RefreshView(ctx context.Context) error {
	return s.pg.RefreshDailyAggregates(ctx)
}

// SystemStats is the admin diagnostics payload.
type SystemStats struct {
	FeedbackCount   int64  `json:"feedback_count"`
	AnnotationCount int64  `json:"annotation_count"`
	TopicCount      int64  `json:"topic_count"`
	DatabaseSize    string `json:"database_size"`
	CacheHealthy    bool   `json:"cache_healthy"`
}

// Stats assembles system counts and the human-readable database size.
func (s *Service) Stats(ctx context.Context) (*SystemStats, error) {
	gdb := s.pg.Gorm().WithContext(ctx)
	out := &SystemStats{}

	if err := gdb.Model(&db.Feedback{}).Count(&out.FeedbackCount).Error; err != nil {
		return nil, err
	}
	if err := gdb.Model(&db.Annotation{}).Count(&out.AnnotationCount).Error; err != nil {
		return nil, err
	}
	if err := gdb.Model(&db.Topic{}).Count(&out.TopicCount).Error; err != nil {
		return nil, err
	}

	var sizeBytes int64
	if err := gdb.Raw("SELECT pg_database_size(current_database())").Scan(&sizeBytes).Error; err == nil {
		out.DatabaseSize = humanize.Bytes(uint64(sizeBytes))
	}

	out.CacheHealthy = s.cache.Ping(ctx) == nil
	return out, nil
}

// DatabaseHealth reports connectivity and latency of the primary store.
type DatabaseHealth struct {
	Healthy bool   `json:"healthy"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

// CheckDatabase pings the primary store and measures round-trip time.
func (s *Service) CheckDatabase(ctx context.Context) *DatabaseHealth {
	start := time.Now()
	err := s.pg.Ping(ctx)
	health := &DatabaseHealth{
		Healthy: err == nil,
		Latency: time.Since(start).String(),
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}
