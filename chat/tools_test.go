package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackcore.org/db"
	"feedbackcore.org/nlp"
	"feedbackcore.org/vector"
)

func TestInvokeUnknownTool(t *testing.T) {
	tools := NewToolset(nil, nil, nil, nil)
	result := tools.Invoke(context.Background(), ToolCall{Tool: "shell"})
	assert.Equal(t, "shell", result.Tool)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestAnalyticsSQLTool(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	pg, err := db.NewWithConn(conn)
	require.NoError(t, err)

	tools := NewToolset(pg.ReadOnly(), nil, nil, nil)

	mock.ExpectQuery("SELECT source, COUNT(*) AS n FROM feedback GROUP BY source").
		WillReturnRows(sqlmock.NewRows([]string{"source", "n"}).
			AddRow("app", int64(14)).
			AddRow("email", int64(3)))

	input, _ := json.Marshal(map[string]interface{}{
		"query": "SELECT source, COUNT(*) AS n FROM feedback GROUP BY source",
	})
	result := tools.Invoke(context.Background(), ToolCall{Tool: ToolAnalyticsSQL, Input: input})
	require.Empty(t, result.Error)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Output), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "app", rows[0]["source"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsSQLToolRejectsWrites(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	pg, err := db.NewWithConn(conn)
	require.NoError(t, err)

	tools := NewToolset(pg.ReadOnly(), nil, nil, nil)
	input, _ := json.Marshal(map[string]interface{}{"query": "DELETE FROM feedback"})
	result := tools.Invoke(context.Background(), ToolCall{Tool: ToolAnalyticsSQL, Input: input})
	assert.NotEmpty(t, result.Error)
}

func TestVectorExamplesOutageDegradesToWarning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	vectors := vector.NewWithClient(client, 8)
	mr.Close() // every query now fails

	tools := NewToolset(nil, newMemFeedbackStore(), vectors, nlp.NewEmbedder(8))

	input, _ := json.Marshal(map[string]interface{}{"k": 5, "query": "billing problems"})
	result := tools.Invoke(context.Background(), ToolCall{Tool: ToolVectorExamples, Input: input})
	require.Empty(t, result.Error)
	assert.JSONEq(t, `{"examples": [], "warning": "vector store unavailable"}`, result.Output)
}

func TestReportWriterFormatting(t *testing.T) {
	tools := NewToolset(nil, nil, nil, nil)
	input, _ := json.Marshal(reportInput{
		WeekStart:          "2026-08-17",
		TotalFeedback:      42,
		NegativePercentage: 12.5,
		TopTopics:          []string{"billing", "checkout"},
		KeyInsights:        []string{"refund requests doubled"},
	})

	result := tools.Invoke(context.Background(), ToolCall{Tool: ToolReportWriter, Input: input})
	require.Empty(t, result.Error)
	assert.Contains(t, result.Output, "Weekly feedback report (week of 2026-08-17)")
	assert.Contains(t, result.Output, "Total feedback: 42")
	assert.Contains(t, result.Output, "Negative share: 12.5%")
	assert.Contains(t, result.Output, "Top topics: billing, checkout")
	assert.Contains(t, result.Output, "- refund requests doubled")
}

func TestReportWriterRejectsMalformedInput(t *testing.T) {
	tools := NewToolset(nil, nil, nil, nil)
	result := tools.Invoke(context.Background(), ToolCall{Tool: ToolReportWriter, Input: json.RawMessage(`"not an object"`)})
	assert.NotEmpty(t, result.Error)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde…", truncate("abcdefgh", 5))
}
