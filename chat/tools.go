package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/nlp"
	"feedbackcore.org/vector"
)

// Tool names the model can select.
const (
	ToolAnalyticsSQL   = "analytics-sql"
	ToolVectorExamples = "vector-examples"
	ToolReportWriter   = "report-writer"
)

// maxExampleResults caps the vector-examples tool.
const maxExampleResults = 10

// ToolCall is the model's parsed tool selection.
type ToolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is what a tool invocation returned, fed back to the model
// and retained for grounding verification.
type ToolResult struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Toolset binds the three tools to their backing stores.
type Toolset struct {
	ro       *db.ReadOnlyDB
	feedback repository.FeedbackStore
	vectors  *vector.Store
	embedder *nlp.Embedder
}

// NewToolset creates the tool bindings.
func NewToolset(ro *db.ReadOnlyDB, feedback repository.FeedbackStore, vectors *vector.Store, embedder *nlp.Embedder) *Toolset {
	return &Toolset{ro: ro, feedback: feedback, vectors: vectors, embedder: embedder}
}

// Invoke dispatches a parsed tool call. Unknown tools and invalid
// inputs come back as tool errors the model can react to, not request
// failures.
func (t *Toolset) Invoke(ctx context.Context, call ToolCall) ToolResult {
	var output string
	var err error
	switch call.Tool {
	case ToolAnalyticsSQL:
		output, err = t.analyticsSQL(ctx, call.Input)
	case ToolVectorExamples:
		output, err = t.vectorExamples(ctx, call.Input)
	case ToolReportWriter:
		output, err = t.reportWriter(call.Input)
	default:
		err = common.Ef(common.KindValidation, "unknown tool %q", call.Tool)
	}

	result := ToolResult{Tool: call.Tool, Output: output}
	if err != nil {
		result.Error = err.Error()
	}

	common.Logger.WithFields(map[string]interface{}{
		"tool":  call.Tool,
		"error": result.Error,
	}).Info("tool invoked")
	return result
}

type sqlInput struct {
	Query string        `json:"query"`
	Args  []interface{} `json:"args"`
}

// analyticsSQL runs a read-only aggregate query. The statement goes
// through the same whitelist as the analytics engine; anything outside
// it is rejected before touching the database.
func (t *Toolset) analyticsSQL(ctx context.Context, input json.RawMessage) (string, error) {
	var in sqlInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", common.E(common.KindValidation, "analytics-sql input must be {query, args}", err)
	}

	rows, err := t.ro.Query(ctx, in.Query, in.Args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
		if len(results) >= 100 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	out, err := json.Marshal(results)
	return string(out), err
}

type examplesInput struct {
	TopicID   *int64 `json:"topic_id"`
	Sentiment *int   `json:"sentiment"`
	K         int    `json:"k"`
	Query     string `json:"query"`
}

// exampleSnippet is one grounded example row handed to the model.
type exampleSnippet struct {
	FeedbackID string `json:"feedback_id"`
	TopicID    *int64 `json:"topic_id,omitempty"`
	Text       string `json:"text"`
}

// vectorExamples returns feedback snippets matching the filters. A
// vector store outage degrades to an empty result with a warning; the
// model is told rather than the request failing.
func (t *Toolset) vectorExamples(ctx context.Context, input json.RawMessage) (string, error) {
	var in examplesInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", common.E(common.KindValidation, "vector-examples input must be {topic_id?, sentiment?, k, query?}", err)
	}
	if in.K < 1 || in.K > maxExampleResults {
		in.K = maxExampleResults
	}

	probe := t.embedder.Embed(nlp.Normalize(in.Query))
	matches, err := t.vectors.Query(ctx, probe, in.K, vector.QueryFilter{TopicID: in.TopicID, Sentiment: in.Sentiment})
	if err != nil {
		common.Logger.WithError(err).Warn("vector store unavailable for examples tool")
		return `{"examples": [], "warning": "vector store unavailable"}`, nil
	}

	ids := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		ids[i] = m.FeedbackID
	}
	rows, err := t.feedback.ListByIDs(ctx, ids)
	if err != nil {
		return "", err
	}

	snippets := make([]exampleSnippet, 0, len(rows))
	for _, r := range rows {
		snippet := exampleSnippet{FeedbackID: r.ID.String(), Text: truncate(r.Text, 280)}
		if r.Annotation != nil {
			snippet.TopicID = r.Annotation.TopicID
		}
		snippets = append(snippets, snippet)
	}

	out, err := json.Marshal(map[string]interface{}{"examples": snippets})
	return string(out), err
}

type reportInput struct {
	WeekStart          string   `json:"week_start"`
	TotalFeedback      int64    `json:"total_feedback"`
	NegativePercentage float64  `json:"negative_percentage"`
	TopTopics          []string `json:"top_topics"`
	KeyInsights        []string `json:"key_insights"`
}

// reportWriter renders a structured weekly summary from supplied
// metrics. Pure formatting; no store access.
func (t *Toolset) reportWriter(input json.RawMessage) (string, error) {
	var in reportInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", common.E(common.KindValidation, "report-writer input must carry the weekly metrics", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly feedback report (week of %s)\n", in.WeekStart)
	fmt.Fprintf(&b, "Total feedback: %d\n", in.TotalFeedback)
	fmt.Fprintf(&b, "Negative share: %.1f%%\n", in.NegativePercentage)
	if len(in.TopTopics) > 0 {
		fmt.Fprintf(&b, "Top topics: %s\n", strings.Join(in.TopTopics, ", "))
	}
	for _, insight := range in.KeyInsights {
		fmt.Fprintf(&b, "- %s\n", insight)
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
