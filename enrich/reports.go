package enrich

import (
	"context"
	"time"

	"github.com/google/uuid"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/queue"
)

// ReportsProcessor finalises a batch: invalidates overlapping analytics
// cache entries, refreshes the materialised view, writes the weekly
// summary row, and marks the batch complete.
type ReportsProcessor struct {
	PG        *db.Postgres
	Analytics *repository.AnalyticsRepository
	Batches   repository.BatchStore
	Cache     *cache.Cache
	Events    *queue.EventPublisher
}

// Timeout bounds one reports job.
func (p *ReportsProcessor) Timeout() time.Duration { return 120 * time.Second }

// Process runs the finalisation steps. Each step is safe to replay;
// cache invalidation and view refresh are idempotent, and the weekly
// report upsert converges.
func (p *ReportsProcessor) Process(ctx context.Context, job *queue.Job) error {
	// Cache keys embed hashed parameters, so window overlap cannot be
	// tested per key; the whole analytics namespace is dropped instead.
	dropped := p.Cache.InvalidateAnalytics(ctx)
	common.Logger.WithField("dropped", dropped).Debug("invalidated analytics cache")

	if err := p.PG.RefreshDailyAggregates(ctx); err != nil {
		return err
	}

	if err := p.writeWeeklyReport(ctx, job.WindowEnd); err != nil {
		common.Logger.WithError(err).Warn("weekly report write failed")
	}

	if job.BatchID != uuid.Nil {
		if err := p.Batches.MarkComplete(ctx, job.BatchID); err != nil {
			if !common.IsKind(err, common.KindNotFound) {
				return err
			}
		} else {
			p.Events.Publish(queue.Event{
				Type:    queue.EventBatchComplete,
				BatchID: job.BatchID,
			})
		}
	}
	return nil
}

// writeWeeklyReport refreshes the summary row for the ISO week covering
// the window end.
func (p *ReportsProcessor) writeWeeklyReport(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	weekStart := startOfWeek(at)
	weekEnd := weekStart.AddDate(0, 0, 7)

	summary, err := p.Analytics.Summary(ctx, weekStart, weekEnd)
	if err != nil {
		return err
	}
	topics, err := p.Analytics.Topics(ctx, weekStart, weekEnd)
	if err != nil {
		return err
	}

	topLabels := make([]string, 0, 5)
	for _, t := range topics {
		topLabels = append(topLabels, t.Label)
		if len(topLabels) == 5 {
			break
		}
	}

	report := &db.WeeklyReport{
		WeekStart:          weekStart,
		TotalFeedback:      summary.TotalFeedback,
		NegativePercentage: summary.NegativePercentage,
		TopTopics:          topLabels,
	}

	// One row per week; replaying updates in place.
	gdb := p.PG.Gorm().WithContext(ctx)
	var existing db.WeeklyReport
	err = gdb.Where("week_start = ?", weekStart).First(&existing).Error
	if err == nil {
		report.ID = existing.ID
		report.KeyInsights = existing.KeyInsights
		return gdb.Save(report).Error
	}
	return gdb.Create(report).Error
}

func startOfWeek(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, -(weekday - 1))
}
