package db

import (
	"context"
	"fmt"

	"feedbackcore.org/common"
)

// matViewDDL defines the daily rollup materialised view. Daily-level
// analytics read from it instead of scanning the feedback table.
const matViewDDL = `
CREATE MATERIALIZED VIEW IF NOT EXISTS daily_feedback_aggregates AS
SELECT
    DATE(f.created_at)                                        AS day,
    COUNT(*)                                                  AS total_feedback,
    COUNT(*) FILTER (WHERE na.sentiment = 1)                  AS positive_feedback,
    COUNT(*) FILTER (WHERE na.sentiment = -1)                 AS negative_feedback,
    COUNT(*) FILTER (WHERE na.sentiment = 0)                  AS neutral_feedback,
    AVG(na.sentiment_score)                                   AS avg_sentiment,
    COUNT(DISTINCT f.customer_id)                             AS unique_customers,
    STRING_AGG(DISTINCT f.source, ',')                        AS top_sources
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
GROUP BY DATE(f.created_at)
WITH DATA`

const matViewIndexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS daily_feedback_aggregates_day_idx
ON daily_feedback_aggregates (day)`

// Migrate creates the schema, the materialised view, and the sentinel
// "unassigned" topic. Safe to run repeatedly.
func (p *Postgres) Migrate(ctx context.Context) error {
	gdb := p.gorm.WithContext(ctx)

	if err := gdb.AutoMigrate(
		&Feedback{},
		&Annotation{},
		&Topic{},
		&TopicAuditLog{},
		&Batch{},
		&WeeklyReport{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	if err := gdb.Exec(matViewDDL).Error; err != nil {
		return fmt.Errorf("failed to create materialized view: %w", err)
	}
	if err := gdb.Exec(matViewIndexDDL).Error; err != nil {
		return fmt.Errorf("failed to index materialized view: %w", err)
	}

	// Sentinel topic for reassignment on topic delete.
	var count int64
	if err := gdb.Model(&Topic{}).Where("label = ?", UnassignedTopicLabel).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		if err := gdb.Create(&Topic{Label: UnassignedTopicLabel, Keywords: []string{}}).Error; err != nil {
			return fmt.Errorf("failed to seed sentinel topic: %w", err)
		}
	}

	return nil
}

// RefreshDailyAggregates refreshes the materialised view. Called by the
// reports stage and after admin mutations; readers tolerate staleness
// up to one refresh period.
func (p *Postgres) RefreshDailyAggregates(ctx context.Context) error {
	err := WithRetry(ctx, func() error {
		return p.gorm.WithContext(ctx).Exec("REFRESH MATERIALIZED VIEW CONCURRENTLY daily_feedback_aggregates").Error
	})
	if err != nil {
		common.Logger.WithError(err).Error("materialized view refresh failed")
	}
	return err
}
