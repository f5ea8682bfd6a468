package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/db"
)

type memFeedbackStore struct {
	rows map[uuid.UUID]*db.Feedback
}

func newMemFeedbackStore(rows ...*db.Feedback) *memFeedbackStore {
	m := &memFeedbackStore{rows: make(map[uuid.UUID]*db.Feedback)}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memFeedbackStore) Create(_ context.Context, f *db.Feedback) error {
	m.rows[f.ID] = f
	return nil
}

func (m *memFeedbackStore) CreateMany(_ context.Context, _ *gorm.DB, items []*db.Feedback) error {
	for _, f := range items {
		m.rows[f.ID] = f
	}
	return nil
}

func (m *memFeedbackStore) GetByID(_ context.Context, id uuid.UUID) (*db.Feedback, error) {
	f, ok := m.rows[id]
	if !ok {
		return nil, common.Ef(common.KindNotFound, "feedback %s not found", id)
	}
	return f, nil
}

func (m *memFeedbackStore) ListByIDs(_ context.Context, ids []uuid.UUID) ([]db.Feedback, error) {
	var out []db.Feedback
	for _, id := range ids {
		if f, ok := m.rows[id]; ok {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *memFeedbackStore) CountByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	rows, _ := m.ListByIDs(ctx, ids)
	return int64(len(rows)), nil
}

func (m *memFeedbackStore) UpsertAnnotation(_ *gorm.DB, _ *db.Annotation) error       { return nil }
func (m *memFeedbackStore) SetAnnotationTopic(_ *gorm.DB, _ uuid.UUID, _ int64) error { return nil }
func (m *memFeedbackStore) CountOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
func (m *memFeedbackStore) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func answerJSON(answer string, citations ...uuid.UUID) string {
	cites := make([]map[string]string, len(citations))
	for i, id := range citations {
		cites[i] = map[string]string{"feedback_id": id.String()}
	}
	body, _ := json.Marshal(map[string]interface{}{"answer": answer, "citations": cites})
	return string(body)
}

func TestQueryValidation(t *testing.T) {
	svc := New(&StubLLMClient{}, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)
	ctx := context.Background()

	_, err := svc.Query(ctx, "  ", Filters{})
	assert.True(t, common.IsKind(err, common.KindValidation))

	_, err = svc.Query(ctx, strings.Repeat("x", maxQuestionChars+1), Filters{})
	assert.True(t, common.IsKind(err, common.KindTooLarge))
}

func TestQueryDirectAnswer(t *testing.T) {
	llm := &StubLLMClient{Replies: []string{
		answerJSON("Negative sentiment rose week over week."),
	}}
	svc := New(llm, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	answer, err := svc.Query(context.Background(), "How is sentiment trending?", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "Negative sentiment rose week over week.", answer.Answer)
	assert.Empty(t, answer.Warnings)

	// recorded in conversation history
	exchanges, total := svc.Conversations(1, 20)
	assert.Equal(t, 1, total)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "How is sentiment trending?", exchanges[0].Question)
}

func TestQueryToolLoopGroundsNumbers(t *testing.T) {
	toolCall := `{"tool": "report-writer", "input": {"week_start": "2026-08-17", "total_feedback": 42, "negative_percentage": 12.5}}`
	llm := &StubLLMClient{Replies: []string{
		toolCall,
		answerJSON("There were 42 items this week and the negative share was 12.5 percent."),
	}}
	svc := New(llm, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	answer, err := svc.Query(context.Background(), "Summarize the week", Filters{})
	require.NoError(t, err)
	assert.Empty(t, answer.Warnings)
	assert.Contains(t, answer.Answer, "42 items")

	// the tool result was fed back to the model
	require.Len(t, llm.Calls, 2)
	last := llm.Calls[1]
	assert.Equal(t, "tool", last[len(last)-1].Role)
	assert.Contains(t, last[len(last)-1].Content, "Total feedback: 42")
}

func TestQueryRegeneratesOnUngroundedNumber(t *testing.T) {
	llm := &StubLLMClient{Replies: []string{
		answerJSON("We received 999 complaints."),
		answerJSON("Complaint volume was roughly flat."),
	}}
	svc := New(llm, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	answer, err := svc.Query(context.Background(), "How many complaints?", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "Complaint volume was roughly flat.", answer.Answer)
	assert.Empty(t, answer.Warnings)

	// a corrective instruction was appended before the second attempt
	require.Len(t, llm.Calls, 2)
	second := llm.Calls[1]
	corrective := second[len(second)-1]
	assert.Equal(t, "user", corrective.Role)
	assert.Contains(t, corrective.Content, "violated grounding rules")
}

func TestQuerySecondViolationReturnsWarnings(t *testing.T) {
	llm := &StubLLMClient{Replies: []string{
		answerJSON("We received 999 complaints."),
		answerJSON("Definitely 12345 complaints."),
	}}
	svc := New(llm, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	answer, err := svc.Query(context.Background(), "How many complaints?", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "Definitely 12345 complaints.", answer.Answer)
	require.NotEmpty(t, answer.Warnings)
	assert.Contains(t, answer.Warnings[0], "12345")
}

func TestQueryVerifiesQuotesAgainstCitations(t *testing.T) {
	row := &db.Feedback{
		ID:   uuid.New(),
		Text: "The checkout page crashes every time I try to pay",
	}
	store := newMemFeedbackStore(row)

	llm := &StubLLMClient{Replies: []string{
		answerJSON(`One customer wrote "crashes every time" about checkout.`, row.ID),
	}}
	svc := New(llm, NewToolset(nil, store, nil, nil), store, nil)

	answer, err := svc.Query(context.Background(), "What do users say about checkout?", Filters{})
	require.NoError(t, err)
	assert.Empty(t, answer.Warnings)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, row.ID, answer.Citations[0].FeedbackID)
}

func TestQueryFlagsUnsupportedQuote(t *testing.T) {
	row := &db.Feedback{ID: uuid.New(), Text: "Shipping was slow but support helped"}
	store := newMemFeedbackStore(row)

	bad := answerJSON(`Someone said "the app deleted my account" yesterday.`, row.ID)
	llm := &StubLLMClient{Replies: []string{bad, bad}}
	svc := New(llm, NewToolset(nil, store, nil, nil), store, nil)

	answer, err := svc.Query(context.Background(), "Any account complaints?", Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, answer.Warnings)
	assert.Contains(t, answer.Warnings[0], "no supporting citation")
}

func TestQueryIncludesFilterPrefix(t *testing.T) {
	llm := &StubLLMClient{Replies: []string{answerJSON("All quiet.")}}
	svc := New(llm, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	neg := -1
	_, err := svc.Query(context.Background(), "Anything urgent?", Filters{
		StartDate: "2026-08-01",
		Sentiment: &neg,
		Source:    "app",
	})
	require.NoError(t, err)

	require.NotEmpty(t, llm.Calls)
	userMsg := llm.Calls[0][1]
	assert.Equal(t, "user", userMsg.Role)
	assert.Contains(t, userMsg.Content, "start date 2026-08-01")
	assert.Contains(t, userMsg.Content, "sentiment -1")
	assert.Contains(t, userMsg.Content, "source app")
	assert.Contains(t, userMsg.Content, "Anything urgent?")
}

func TestQueryStepBudgetExhaustion(t *testing.T) {
	toolCall := `{"tool": "report-writer", "input": {"week_start": "2026-08-17"}}`
	replies := make([]string, maxSteps)
	for i := range replies {
		replies[i] = toolCall
	}
	svc := New(&StubLLMClient{Replies: replies}, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)

	_, err := svc.Query(context.Background(), "Loop forever", Filters{})
	assert.True(t, common.IsKind(err, common.KindTimeout))
}

func TestConversationsPagination(t *testing.T) {
	svc := New(&StubLLMClient{}, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)
	for i := 0; i < 5; i++ {
		svc.record(fmt.Sprintf("question %d", i), &Answer{Answer: "a"})
	}

	first, total := svc.Conversations(1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, first, 2)
	// newest first
	assert.Equal(t, "question 4", first[0].Question)
	assert.Equal(t, "question 3", first[1].Question)

	last, _ := svc.Conversations(3, 2)
	require.Len(t, last, 1)
	assert.Equal(t, "question 0", last[0].Question)

	beyond, _ := svc.Conversations(4, 2)
	assert.Empty(t, beyond)

	svc.ClearMemory()
	_, total = svc.Conversations(1, 20)
	assert.Equal(t, 0, total)
}

func TestExtractJSONHandlesFences(t *testing.T) {
	fenced := "Here you go:\n```json\n{\"answer\": \"ok\"}\n```"
	assert.Equal(t, `{"answer": "ok"}`, extractJSON(fenced))
	assert.Equal(t, "no json here", extractJSON("no json here"))
}

func TestSuggestionsAreStable(t *testing.T) {
	svc := New(&StubLLMClient{}, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), nil)
	ctx := context.Background()
	s := svc.Suggestions(ctx)
	require.Len(t, s, 5)
	assert.Equal(t, s, svc.Suggestions(ctx))
}

func TestSuggestionsServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewWithClient(client, time.Minute)

	svc := New(&StubLLMClient{}, NewToolset(nil, nil, nil, nil), newMemFeedbackStore(), c)
	ctx := context.Background()

	require.Len(t, svc.Suggestions(ctx), 5)

	// the first call wrote the payload; a replaced entry is now served
	// verbatim
	key := cache.Key("suggestions", nil)
	_, found := c.Get(ctx, key)
	require.True(t, found)

	seeded, err := json.Marshal([]string{"seeded question"})
	require.NoError(t, err)
	c.SetTTL(ctx, key, seeded, time.Minute)

	assert.Equal(t, []string{"seeded question"}, svc.Suggestions(ctx))
}
