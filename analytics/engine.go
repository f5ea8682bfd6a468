// Package analytics implements the cached rollup engine. Every
// endpoint derives a stable key from its canonicalised parameters,
// reads through the cache, and on miss executes the read-only query and
// writes the serialised response back with the endpoint's TTL.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/metrics"
)

// Endpoint TTLs.
const (
	defaultTTL    = 5 * time.Minute
	recentTTL     = time.Minute
	historicalTTL = 15 * time.Minute
)

// defaultWindowDays is the window applied when date parameters are
// omitted.
const defaultWindowDays = 14

// queryTimeout is the hard cap on one rollup execution. Queries slower
// than slowQueryAfter still complete but are logged.
const (
	queryTimeout   = 30 * time.Second
	slowQueryAfter = 10 * time.Second
)

// Engine is the cached analytics query engine.
type Engine struct {
	repo  *repository.AnalyticsRepository
	cache *cache.Cache

	slowAfter time.Duration
}

// NewEngine creates the engine.
func NewEngine(repo *repository.AnalyticsRepository, c *cache.Cache) *Engine {
	return &Engine{repo: repo, cache: c, slowAfter: slowQueryAfter}
}

// Window is a resolved date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// ResolveWindow parses optional start/end date strings (RFC 3339 or
// YYYY-MM-DD) and fills the default window when omitted. End is
// exclusive.
func ResolveWindow(startStr, endStr string) (Window, error) {
	now := time.Now().UTC()
	end := now.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -defaultWindowDays)

	if endStr != "" {
		t, err := parseDate(endStr)
		if err != nil {
			return Window{}, common.Ef(common.KindValidation, "invalid end date %q", endStr)
		}
		end = t.AddDate(0, 0, 1)
	}
	if startStr != "" {
		t, err := parseDate(startStr)
		if err != nil {
			return Window{}, common.Ef(common.KindValidation, "invalid start date %q", startStr)
		}
		start = t
	}
	if !start.Before(end) {
		return Window{}, common.E(common.KindValidation, "start date must be before end date")
	}
	return Window{Start: start, End: end}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(24 * time.Hour), nil
}

// windowParams canonicalises a window for key derivation.
func windowParams(w Window) map[string]string {
	return map[string]string{
		"start": w.Start.Format("2006-01-02"),
		"end":   w.End.Format("2006-01-02"),
	}
}

// cached runs the cache-through protocol: the key is derived from the
// endpoint tag and sorted parameters; on miss, compute executes under
// the query timeout and its JSON result is written back with ttl.
// Responses for identical parameters are byte-identical within the TTL
// window because the cached bytes are returned verbatim.
func (e *Engine) cached(ctx context.Context, endpoint string, params map[string]string, ttl time.Duration, compute func(context.Context) (interface{}, error)) ([]byte, error) {
	key := cache.Key(endpoint, params)

	if body, ok := e.cache.Get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues(endpoint).Inc()
		return body, nil
	}
	metrics.CacheMisses.WithLabelValues(endpoint).Inc()

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	started := time.Now()
	result, err := compute(qctx)
	if elapsed := time.Since(started); elapsed >= e.slowAfter {
		common.Logger.WithFields(map[string]interface{}{
			"endpoint": endpoint,
			"elapsed":  elapsed.String(),
		}).Warn("slow analytics query")
	}
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return nil, common.E(common.KindTimeout, "analytics query exceeded time limit", err)
		}
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, common.E(common.KindInternal, "failed to encode analytics result", err)
	}
	e.cache.SetTTL(ctx, key, body, ttl)
	return body, nil
}

// ttlFor picks the TTL tier: windows ending today are "recent", windows
// entirely in the past are historical rollups.
func ttlFor(w Window) time.Duration {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	switch {
	case w.End.After(today):
		return recentTTL
	case w.End.Before(today.AddDate(0, 0, -30)):
		return historicalTTL
	default:
		return defaultTTL
	}
}

// SentimentTrends returns the cached sentiment trend series.
func (e *Engine) SentimentTrends(ctx context.Context, groupBy string, w Window) ([]byte, error) {
	params := windowParams(w)
	params["group_by"] = groupBy
	return e.cached(ctx, "sentiment-trends", params, ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.SentimentTrends(ctx, groupBy, w.Start, w.End)
	})
}

// VolumeTrends returns the cached volume trend series.
func (e *Engine) VolumeTrends(ctx context.Context, groupBy string, w Window) ([]byte, error) {
	params := windowParams(w)
	params["group_by"] = groupBy
	return e.cached(ctx, "volume-trends", params, ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.VolumeTrends(ctx, groupBy, w.Start, w.End)
	})
}

// DailyAggregates returns the cached paginated daily rollup.
func (e *Engine) DailyAggregates(ctx context.Context, w Window, page, pageSize int) ([]byte, error) {
	params := windowParams(w)
	params["page"] = strconv.Itoa(page)
	params["page_size"] = strconv.Itoa(pageSize)
	return e.cached(ctx, "daily-aggregates", params, ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.DailyAggregates(ctx, w.Start, w.End, page, pageSize)
	})
}

// CustomerStats returns the cached per-customer rollup.
func (e *Engine) CustomerStats(ctx context.Context, minCount int, w Window) ([]byte, error) {
	params := windowParams(w)
	params["min_feedback_count"] = strconv.Itoa(minCount)
	return e.cached(ctx, "customers", params, ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.CustomerStats(ctx, minCount, w.Start, w.End)
	})
}

// SourceStats returns the cached per-source rollup.
func (e *Engine) SourceStats(ctx context.Context, w Window) ([]byte, error) {
	return e.cached(ctx, "sources", windowParams(w), ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.SourceStats(ctx, w.Start, w.End)
	})
}

// ToxicityStats returns the cached toxicity rollup.
func (e *Engine) ToxicityStats(ctx context.Context, threshold float64, w Window) ([]byte, error) {
	params := windowParams(w)
	params["threshold"] = fmt.Sprintf("%.2f", threshold)
	return e.cached(ctx, "toxicity", params, ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.ToxicityStats(ctx, threshold, w.Start, w.End)
	})
}

// Summary returns the cached window summary.
func (e *Engine) Summary(ctx context.Context, w Window) ([]byte, error) {
	return e.cached(ctx, "summary", windowParams(w), recentTTL, func(ctx context.Context) (interface{}, error) {
		return e.repo.Summary(ctx, w.Start, w.End)
	})
}

// Topics returns the cached per-topic rollup with movement deltas.
func (e *Engine) Topics(ctx context.Context, w Window) ([]byte, error) {
	return e.cached(ctx, "topics", windowParams(w), ttlFor(w), func(ctx context.Context) (interface{}, error) {
		return e.repo.Topics(ctx, w.Start, w.End)
	})
}

// Examples returns the cached example rows.
func (e *Engine) Examples(ctx context.Context, topicID *int64, sentiment *int, limit int) ([]byte, error) {
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if topicID != nil {
		params["topic_id"] = strconv.FormatInt(*topicID, 10)
	}
	if sentiment != nil {
		params["sentiment"] = strconv.Itoa(*sentiment)
	}
	return e.cached(ctx, "examples", params, defaultTTL, func(ctx context.Context) (interface{}, error) {
		return e.repo.Examples(ctx, topicID, sentiment, limit)
	})
}

// Dashboard returns the cached composite dashboard payload.
func (e *Engine) Dashboard(ctx context.Context, w Window) ([]byte, error) {
	return e.cached(ctx, "dashboard-summary", windowParams(w), recentTTL, func(ctx context.Context) (interface{}, error) {
		return e.repo.Dashboard(ctx, w.Start, w.End)
	})
}
