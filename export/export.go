// Package export streams CSV exports over the HTTP response without
// materialising result sets. Rows are read from a server-side cursor
// and flushed in chunks; a client disconnect cancels the cursor.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

// flushEvery is how many rows are written between flushes.
const flushEvery = 500

// Flusher is the subset of http.Flusher the writer needs. Echo's
// response implements it.
type Flusher interface {
	Flush()
}

// Engine runs the streaming exports over the read-only path.
type Engine struct {
	ro *db.ReadOnlyDB
}

// NewEngine creates the export engine.
func NewEngine(ro *db.ReadOnlyDB) *Engine {
	return &Engine{ro: ro}
}

// FeedbackFilter narrows the feedback export.
type FeedbackFilter struct {
	Source       string
	CustomerID   string
	Start        *time.Time
	End          *time.Time
	SentimentMin *float64
	SentimentMax *float64
}

// stream drives a cursor-to-CSV copy: header first, then rows with a
// flush every flushEvery rows. Write errors mean the client went away;
// the cursor is closed and the error returned for logging only.
func (e *Engine) stream(ctx context.Context, w io.Writer, f Flusher, header []string, rows *sql.Rows, scan func(*sql.Rows) ([]string, error)) error {
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	count := 0
	for rows.Next() {
		if ctx.Err() != nil {
			return common.E(common.KindTimeout, "export cancelled", ctx.Err())
		}
		record, err := scan(rows)
		if err != nil {
			return err
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		count++
		if count%flushEvery == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
			if f != nil {
				f.Flush()
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	if f != nil {
		f.Flush()
	}
	return cw.Error()
}

// Feedback streams the feedback export joined with current annotations.
// Columns: id,text,source,customer_id,sentiment_score,created_at,
// updated_at,primary_topic,topic_keywords.
func (e *Engine) Feedback(ctx context.Context, w io.Writer, f Flusher, filter FeedbackFilter) error {
	query := `
SELECT f.id, f.text, f.source, f.customer_id, na.sentiment_score,
       f.created_at, f.updated_at, t.label, t.keywords
FROM feedback f
LEFT JOIN nlp_annotation na ON na.feedback_id = f.id
LEFT JOIN topic t ON t.id = na.topic_id
WHERE 1=1`
	var args []interface{}
	if filter.Source != "" {
		query += " AND f.source = ?"
		args = append(args, filter.Source)
	}
	if filter.CustomerID != "" {
		query += " AND f.customer_id = ?"
		args = append(args, filter.CustomerID)
	}
	if filter.Start != nil {
		query += " AND f.created_at >= ?"
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		query += " AND f.created_at < ?"
		args = append(args, *filter.End)
	}
	if filter.SentimentMin != nil {
		query += " AND na.sentiment_score >= ?"
		args = append(args, *filter.SentimentMin)
	}
	if filter.SentimentMax != nil {
		query += " AND na.sentiment_score <= ?"
		args = append(args, *filter.SentimentMax)
	}
	query += " ORDER BY f.created_at"

	rows, err := e.ro.Query(ctx, query, args...)
	if err != nil {
		return err
	}

	header := []string{"id", "text", "source", "customer_id", "sentiment_score", "created_at", "updated_at", "primary_topic", "topic_keywords"}
	return e.stream(ctx, w, f, header, rows, func(rows *sql.Rows) ([]string, error) {
		var (
			id, text, source         string
			customerID, label        sql.NullString
			sentimentScore           sql.NullFloat64
			createdAt, updatedAt     time.Time
			keywords                 sql.NullString
		)
		if err := rows.Scan(&id, &text, &source, &customerID, &sentimentScore, &createdAt, &updatedAt, &label, &keywords); err != nil {
			return nil, err
		}
		return []string{
			id, text, source,
			customerID.String,
			formatNullFloat(sentimentScore),
			createdAt.UTC().Format(time.RFC3339),
			updatedAt.UTC().Format(time.RFC3339),
			label.String,
			keywordsList(keywords.String),
		}, nil
	})
}

// Topics streams the per-topic export. Columns: id,label,keywords,
// created_at,updated_at,feedback_count,avg_sentiment.
func (e *Engine) Topics(ctx context.Context, w io.Writer, f Flusher, minFeedbackCount int) error {
	query := `
SELECT t.id, t.label, t.keywords, t.created_at, t.updated_at,
       COUNT(na.id) AS feedback_count, AVG(na.sentiment_score) AS avg_sentiment
FROM topic t
LEFT JOIN nlp_annotation na ON na.topic_id = t.id
GROUP BY t.id, t.label, t.keywords, t.created_at, t.updated_at
HAVING COUNT(na.id) >= ?
ORDER BY t.id`
	rows, err := e.ro.Query(ctx, query, minFeedbackCount)
	if err != nil {
		return err
	}

	header := []string{"id", "label", "keywords", "created_at", "updated_at", "feedback_count", "avg_sentiment"}
	return e.stream(ctx, w, f, header, rows, func(rows *sql.Rows) ([]string, error) {
		var (
			id                   int64
			label                string
			keywords             sql.NullString
			createdAt, updatedAt time.Time
			count                int64
			avgSentiment         sql.NullFloat64
		)
		if err := rows.Scan(&id, &label, &keywords, &createdAt, &updatedAt, &count, &avgSentiment); err != nil {
			return nil, err
		}
		return []string{
			fmt.Sprintf("%d", id), label,
			keywordsList(keywords.String),
			createdAt.UTC().Format(time.RFC3339),
			updatedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%d", count),
			formatNullFloat(avgSentiment),
		}, nil
	})
}

// DailyAggregates streams the materialised-view export. Columns: date,
// total_feedback,positive_feedback,negative_feedback,neutral_feedback,
// avg_sentiment,unique_customers,top_sources.
func (e *Engine) DailyAggregates(ctx context.Context, w io.Writer, f Flusher, start, end time.Time) error {
	query := `
SELECT day, total_feedback, positive_feedback, negative_feedback,
       neutral_feedback, avg_sentiment, unique_customers, top_sources
FROM daily_feedback_aggregates
WHERE day >= ? AND day < ?
ORDER BY day`
	rows, err := e.ro.Query(ctx, query, start, end)
	if err != nil {
		return err
	}

	header := []string{"date", "total_feedback", "positive_feedback", "negative_feedback", "neutral_feedback", "avg_sentiment", "unique_customers", "top_sources"}
	return e.stream(ctx, w, f, header, rows, func(rows *sql.Rows) ([]string, error) {
		var (
			day                                    time.Time
			total, positive, negative, neutral     int64
			avgSentiment                           sql.NullFloat64
			uniqueCustomers                        int64
			topSources                             sql.NullString
		)
		if err := rows.Scan(&day, &total, &positive, &negative, &neutral, &avgSentiment, &uniqueCustomers, &topSources); err != nil {
			return nil, err
		}
		return []string{
			day.UTC().Format("2006-01-02"),
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", positive),
			fmt.Sprintf("%d", negative),
			fmt.Sprintf("%d", neutral),
			formatNullFloat(avgSentiment),
			fmt.Sprintf("%d", uniqueCustomers),
			topSources.String,
		}, nil
	})
}

func formatNullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return fmt.Sprintf("%.4f", v.Float64)
}

// keywordsList renders the stored JSON keyword array as a
// semicolon-separated list for CSV consumers.
func keywordsList(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" || raw == "null" {
		return ""
	}
	raw = strings.Trim(raw, "[]")
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return strings.Join(parts, ";")
}
