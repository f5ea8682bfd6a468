package repository

import (
	"context"
	"time"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

// AnalyticsRepository runs the closed set of read-only rollup queries.
// Every statement goes through the read-only handle; nothing here can
// mutate state.
type AnalyticsRepository struct {
	ro *db.ReadOnlyDB
}

// NewAnalyticsRepository creates the rollup repository.
func NewAnalyticsRepository(ro *db.ReadOnlyDB) *AnalyticsRepository {
	return &AnalyticsRepository{ro: ro}
}

// Page is the envelope for paginated rollup responses.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPage assembles the envelope from a result slice and count.
func NewPage[T any](items []T, total int64, page, pageSize int) Page[T] {
	pages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		pages++
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PageSize: pageSize, TotalPages: pages}
}

// Rollup row shapes. One concrete type per endpoint.

type SentimentTrendRow struct {
	Period   time.Time `json:"period"`
	Positive int64     `json:"positive"`
	Negative int64     `json:"negative"`
	Neutral  int64     `json:"neutral"`
}

type VolumeTrendRow struct {
	Period time.Time `json:"period"`
	Total  int64     `json:"total"`
}

type DailyAggregateRow struct {
	Day              time.Time `json:"day"`
	TotalFeedback    int64     `json:"total_feedback"`
	PositiveFeedback int64     `json:"positive_feedback"`
	NegativeFeedback int64     `json:"negative_feedback"`
	NeutralFeedback  int64     `json:"neutral_feedback"`
	AvgSentiment     *float64  `json:"avg_sentiment"`
	UniqueCustomers  int64     `json:"unique_customers"`
	TopSources       string    `json:"top_sources"`
}

type CustomerStatsRow struct {
	CustomerID    string   `json:"customer_id"`
	FeedbackCount int64    `json:"feedback_count"`
	AvgSentiment  *float64 `json:"avg_sentiment"`
}

type SourceStatsRow struct {
	Source        string   `json:"source"`
	FeedbackCount int64    `json:"feedback_count"`
	Positive      int64    `json:"positive"`
	Negative      int64    `json:"negative"`
	Neutral       int64    `json:"neutral"`
	AvgSentiment  *float64 `json:"avg_sentiment"`
}

type ToxicityStats struct {
	Threshold      float64  `json:"threshold"`
	CountAbove     int64    `json:"count_above"`
	MeanToxicity   *float64 `json:"mean_toxicity"`
	TotalAnnotated int64    `json:"total_annotated"`
}

type SummaryStats struct {
	TotalFeedback      int64            `json:"total_feedback"`
	NegativePercentage float64          `json:"negative_percentage"`
	Series             []VolumeTrendRow `json:"series"`
}

type TopicStatsRow struct {
	TopicID       int64    `json:"topic_id"`
	Label         string   `json:"label"`
	FeedbackCount int64    `json:"feedback_count"`
	AvgSentiment  *float64 `json:"avg_sentiment"`
	PriorCount    int64    `json:"prior_count"`
	Delta         int64    `json:"delta"`
}

type ExampleRow struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Sentiment *int      `json:"sentiment"`
	TopicID   *int64    `json:"topic_id"`
	CreatedAt time.Time `json:"created_at"`
}

type DashboardSummary struct {
	TotalFeedback      int64            `json:"total_feedback"`
	NegativePercentage float64          `json:"negative_percentage"`
	TopicCount         int64            `json:"topic_count"`
	Series             []VolumeTrendRow `json:"series"`
	TopNegativeTopics  []TopicStatsRow  `json:"top_negative_topics"`
}

// groupByExpr maps the group_by parameter onto a DATE_TRUNC unit. Only
// the three documented units are accepted.
func groupByExpr(groupBy string) (string, error) {
	switch groupBy {
	case "", "day":
		return "day", nil
	case "week":
		return "week", nil
	case "month":
		return "month", nil
	default:
		return "", common.Ef(common.KindValidation, "group_by must be day, week or month, got %q", groupBy)
	}
}

// SentimentTrends returns sentiment class counts per period.
func (r *AnalyticsRepository) SentimentTrends(ctx context.Context, groupBy string, start, end time.Time) ([]SentimentTrendRow, error) {
	unit, err := groupByExpr(groupBy)
	if err != nil {
		return nil, err
	}
	var rows []SentimentTrendRow
	err = r.ro.QueryRow(ctx, &rows, `
SELECT DATE_TRUNC('`+unit+`', f.created_at)          AS period,
       COUNT(*) FILTER (WHERE na.sentiment = 1)      AS positive,
       COUNT(*) FILTER (WHERE na.sentiment = -1)     AS negative,
       COUNT(*) FILTER (WHERE na.sentiment = 0)      AS neutral
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
WHERE f.created_at >= ? AND f.created_at < ?
GROUP BY period
ORDER BY period`, start, end)
	return rows, err
}

// VolumeTrends returns feedback counts per period.
func (r *AnalyticsRepository) VolumeTrends(ctx context.Context, groupBy string, start, end time.Time) ([]VolumeTrendRow, error) {
	unit, err := groupByExpr(groupBy)
	if err != nil {
		return nil, err
	}
	var rows []VolumeTrendRow
	err = r.ro.QueryRow(ctx, &rows, `
SELECT DATE_TRUNC('`+unit+`', created_at) AS period, COUNT(*) AS total
FROM feedback
WHERE created_at >= ? AND created_at < ?
GROUP BY period
ORDER BY period`, start, end)
	return rows, err
}

// DailyAggregates pages through the materialised view.
func (r *AnalyticsRepository) DailyAggregates(ctx context.Context, start, end time.Time, page, pageSize int) (Page[DailyAggregateRow], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 365 {
		pageSize = 30
	}

	var total int64
	err := r.ro.QueryRow(ctx, &total, `
SELECT COUNT(*) FROM daily_feedback_aggregates WHERE day >= ? AND day < ?`, start, end)
	if err != nil {
		return Page[DailyAggregateRow]{}, err
	}

	var rows []DailyAggregateRow
	err = r.ro.QueryRow(ctx, &rows, `
SELECT day, total_feedback, positive_feedback, negative_feedback,
       neutral_feedback, avg_sentiment, unique_customers, top_sources
FROM daily_feedback_aggregates
WHERE day >= ? AND day < ?
ORDER BY day DESC
LIMIT ? OFFSET ?`, start, end, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page[DailyAggregateRow]{}, err
	}
	return NewPage(rows, total, page, pageSize), nil
}

// CustomerStats returns per-customer feedback counts and mean sentiment
// for customers with at least minCount items in the window.
func (r *AnalyticsRepository) CustomerStats(ctx context.Context, minCount int, start, end time.Time) ([]CustomerStatsRow, error) {
	if minCount < 1 {
		minCount = 1
	}
	var rows []CustomerStatsRow
	err := r.ro.QueryRow(ctx, &rows, `
SELECT f.customer_id                 AS customer_id,
       COUNT(*)                      AS feedback_count,
       AVG(na.sentiment_score)       AS avg_sentiment
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
WHERE f.customer_id IS NOT NULL
  AND f.created_at >= ? AND f.created_at < ?
GROUP BY f.customer_id
HAVING COUNT(*) >= ?
ORDER BY feedback_count DESC`, start, end, minCount)
	return rows, err
}

// SourceStats returns per-source volume and sentiment mix.
func (r *AnalyticsRepository) SourceStats(ctx context.Context, start, end time.Time) ([]SourceStatsRow, error) {
	var rows []SourceStatsRow
	err := r.ro.QueryRow(ctx, &rows, `
SELECT f.source                                  AS source,
       COUNT(*)                                  AS feedback_count,
       COUNT(*) FILTER (WHERE na.sentiment = 1)  AS positive,
       COUNT(*) FILTER (WHERE na.sentiment = -1) AS negative,
       COUNT(*) FILTER (WHERE na.sentiment = 0)  AS neutral,
       AVG(na.sentiment_score)                   AS avg_sentiment
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
WHERE f.created_at >= ? AND f.created_at < ?
GROUP BY f.source
ORDER BY feedback_count DESC`, start, end)
	return rows, err
}

// ToxicityStats counts annotations above the threshold and reports the
// mean over the window. Rows annotated before a toxicity model existed
// carry NULL scores and are excluded from both figures.
func (r *AnalyticsRepository) ToxicityStats(ctx context.Context, threshold float64, start, end time.Time) (*ToxicityStats, error) {
	if threshold < 0 || threshold > 1 {
		return nil, common.Ef(common.KindValidation, "threshold must be within [0,1], got %v", threshold)
	}
	var out ToxicityStats
	out.Threshold = threshold
	err := r.ro.QueryRow(ctx, &out, `
SELECT COUNT(*) FILTER (WHERE na.toxicity_score >= ?) AS count_above,
       AVG(na.toxicity_score)                         AS mean_toxicity,
       COUNT(na.toxicity_score)                       AS total_annotated
FROM nlp_annotation na
JOIN feedback f ON f.id = na.feedback_id
WHERE f.created_at >= ? AND f.created_at < ?`, threshold, start, end)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary returns the window total, the negative share, and a daily
// volume series.
func (r *AnalyticsRepository) Summary(ctx context.Context, start, end time.Time) (*SummaryStats, error) {
	var counts struct {
		Total    int64
		Negative int64
	}
	err := r.ro.QueryRow(ctx, &counts, `
SELECT COUNT(*)                                  AS total,
       COUNT(*) FILTER (WHERE na.sentiment = -1) AS negative
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
WHERE f.created_at >= ? AND f.created_at < ?`, start, end)
	if err != nil {
		return nil, err
	}

	series, err := r.VolumeTrends(ctx, "day", start, end)
	if err != nil {
		return nil, err
	}

	out := &SummaryStats{TotalFeedback: counts.Total, Series: series}
	if counts.Total > 0 {
		out.NegativePercentage = 100 * float64(counts.Negative) / float64(counts.Total)
	}
	return out, nil
}

// Topics returns per-topic counts for the window together with the
// count over the preceding window of equal length, so callers can show
// movement.
func (r *AnalyticsRepository) Topics(ctx context.Context, start, end time.Time) ([]TopicStatsRow, error) {
	priorStart := start.Add(-end.Sub(start))
	var rows []TopicStatsRow
	err := r.ro.QueryRow(ctx, &rows, `
SELECT t.id                                            AS topic_id,
       t.label                                         AS label,
       COUNT(*) FILTER (WHERE f.created_at >= ?)       AS feedback_count,
       AVG(na.sentiment_score) FILTER (WHERE f.created_at >= ?) AS avg_sentiment,
       COUNT(*) FILTER (WHERE f.created_at < ?)        AS prior_count
FROM topic t
JOIN nlp_annotation na ON na.topic_id = t.id
JOIN feedback f ON f.id = na.feedback_id
WHERE f.created_at >= ? AND f.created_at < ?
GROUP BY t.id, t.label
ORDER BY feedback_count DESC`, start, start, start, priorStart, end)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Delta = rows[i].FeedbackCount - rows[i].PriorCount
	}
	return rows, nil
}

// Examples returns feedback rows matching optional topic and sentiment
// filters, newest first.
func (r *AnalyticsRepository) Examples(ctx context.Context, topicID *int64, sentiment *int, limit int) ([]ExampleRow, error) {
	if limit < 1 || limit > 50 {
		limit = 10
	}

	query := `
SELECT f.id AS id, f.text AS text, f.source AS source,
       na.sentiment AS sentiment, na.topic_id AS topic_id,
       f.created_at AS created_at
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
WHERE 1=1`
	args := []interface{}{}
	if topicID != nil {
		query += " AND na.topic_id = ?"
		args = append(args, *topicID)
	}
	if sentiment != nil {
		query += " AND na.sentiment = ?"
		args = append(args, *sentiment)
	}
	query += " ORDER BY f.created_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []ExampleRow
	err := r.ro.QueryRow(ctx, &rows, query, args...)
	return rows, err
}

// Dashboard assembles the composite dashboard payload from the other
// rollups plus a topic count and the most negative topics.
func (r *AnalyticsRepository) Dashboard(ctx context.Context, start, end time.Time) (*DashboardSummary, error) {
	summary, err := r.Summary(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var topicCount int64
	if err := r.ro.QueryRow(ctx, &topicCount, `SELECT COUNT(*) FROM topic`); err != nil {
		return nil, err
	}

	topics, err := r.Topics(ctx, start, end)
	if err != nil {
		return nil, err
	}
	// Most negative first; keep the top five.
	negative := make([]TopicStatsRow, 0, len(topics))
	for _, t := range topics {
		if t.AvgSentiment != nil && *t.AvgSentiment < 0 {
			negative = append(negative, t)
		}
	}
	for i := 0; i < len(negative); i++ {
		for j := i + 1; j < len(negative); j++ {
			if *negative[j].AvgSentiment < *negative[i].AvgSentiment {
				negative[i], negative[j] = negative[j], negative[i]
			}
		}
	}
	if len(negative) > 5 {
		negative = negative[:5]
	}

	return &DashboardSummary{
		TotalFeedback:      summary.TotalFeedback,
		NegativePercentage: summary.NegativePercentage,
		TopicCount:         topicCount,
		Series:             summary.Series,
		TopNegativeTopics:  negative,
	}, nil
}
