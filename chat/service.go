package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/db/repository"
)

// Request bounds.
const (
	maxQuestionChars  = 1000
	maxQuestionTokens = 4000
	requestTimeout    = 30 * time.Second

	// maxSteps bounds the tool loop; each step is one model call.
	maxSteps = 6
)

// Filters is the optional filter bundle on a QA request. Provided
// filters are rendered verbatim into the prompt prefix.
type Filters struct {
	StartDate  string  `json:"start_date,omitempty"`
	EndDate    string  `json:"end_date,omitempty"`
	Sentiment  *int    `json:"sentiment,omitempty"`
	TopicIDs   []int64 `json:"topic_ids,omitempty"`
	Source     string  `json:"source,omitempty"`
	CustomerID string  `json:"customer_id,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Citation attributes a quote or claim to a feedback item.
type Citation struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	TopicID    *int64    `json:"topic_id,omitempty"`
}

// Answer is the facade's response.
type Answer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Exchange is one recorded question/answer pair.
type Exchange struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	AskedAt   time.Time `json:"asked_at"`
	Citations int       `json:"citations"`
}

// Service is the grounded QA facade.
type Service struct {
	llm      LLMClient
	tools    *Toolset
	feedback repository.FeedbackStore
	cache    *cache.Cache

	mu      sync.Mutex
	history []Exchange
}

// New creates the facade. cache may be nil; suggestions are then served
// uncached.
func New(llm LLMClient, tools *Toolset, feedback repository.FeedbackStore, c *cache.Cache) *Service {
	return &Service{llm: llm, tools: tools, feedback: feedback, cache: c}
}

const systemPrompt = `You are an analyst answering questions about customer feedback.
You may call tools by replying with a single JSON object:
  {"tool": "analytics-sql", "input": {"query": "SELECT ...", "args": []}}
  {"tool": "vector-examples", "input": {"topic_id": null, "sentiment": -1, "k": 5, "query": "..."}}
  {"tool": "report-writer", "input": {...weekly metrics...}}
When you have enough information, reply with:
  {"answer": "...", "citations": [{"feedback_id": "...", "topic_id": 1}]}
Rules: every direct quote from a feedback item must have a feedback_id citation.
Every number in the answer must come from a tool result. Respect the stated filters.`

// Query runs the bounded tool loop and enforces the grounding
// invariants on the final answer.
func (s *Service) Query(ctx context.Context, question string, filters Filters) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, common.E(common.KindValidation, "question must not be empty")
	}
	if len(question) > maxQuestionChars {
		return nil, common.Ef(common.KindTooLarge, "question exceeds %d characters", maxQuestionChars)
	}
	if estimateTokens(question) > maxQuestionTokens {
		return nil, common.Ef(common.KindTooLarge, "question exceeds %d estimated tokens", maxQuestionTokens)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: filterPrefix(filters) + question},
	}

	var toolResults []ToolResult
	regenerated := false

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			return nil, common.E(common.KindTimeout, "question processing exceeded time limit", ctx.Err())
		}

		reply, err := s.llm.Complete(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return nil, common.E(common.KindTimeout, "question processing exceeded time limit", ctx.Err())
			}
			return nil, err
		}
		messages = append(messages, Message{Role: "assistant", Content: reply})

		if call, ok := parseToolCall(reply); ok {
			result := s.tools.Invoke(ctx, call)
			toolResults = append(toolResults, result)
			messages = append(messages, Message{Role: "tool", Content: toolResultContent(result)})
			continue
		}

		answer, ok := parseAnswer(reply)
		if !ok {
			messages = append(messages, Message{
				Role:    "user",
				Content: "Reply with either a tool call or a final answer as a single JSON object.",
			})
			continue
		}

		verified, problems := s.verify(ctx, answer, toolResults)
		if len(problems) == 0 {
			s.record(question, verified)
			return verified, nil
		}
		if !regenerated {
			regenerated = true
			messages = append(messages, Message{
				Role:    "user",
				Content: "Your answer violated grounding rules: " + strings.Join(problems, "; ") + ". Produce a corrected answer.",
			})
			continue
		}

		// Second violation: return the answer with warnings rather
		// than loop forever.
		verified.Warnings = append(verified.Warnings, problems...)
		s.record(question, verified)
		return verified, nil
	}

	return nil, common.E(common.KindTimeout, "question processing exhausted its step budget")
}

// filterPrefix renders the caller's filters as a descriptive prompt
// prefix. Values are included verbatim.
func filterPrefix(f Filters) string {
	var parts []string
	if f.StartDate != "" {
		parts = append(parts, "start date "+f.StartDate)
	}
	if f.EndDate != "" {
		parts = append(parts, "end date "+f.EndDate)
	}
	if f.Sentiment != nil {
		parts = append(parts, fmt.Sprintf("sentiment %d", *f.Sentiment))
	}
	if len(f.TopicIDs) > 0 {
		ids := make([]string, len(f.TopicIDs))
		for i, id := range f.TopicIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		parts = append(parts, "topics "+strings.Join(ids, ","))
	}
	if f.Source != "" {
		parts = append(parts, "source "+f.Source)
	}
	if f.CustomerID != "" {
		parts = append(parts, "customer "+f.CustomerID)
	}
	if f.Language != "" {
		parts = append(parts, "language "+f.Language)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Apply these filters to everything you do: " + strings.Join(parts, ", ") + ".\n\n"
}

func estimateTokens(s string) int {
	// Rough heuristic: four characters per token.
	return len(s) / 4
}

func parseToolCall(reply string) (ToolCall, bool) {
	var call ToolCall
	if err := json.Unmarshal([]byte(extractJSON(reply)), &call); err != nil {
		return ToolCall{}, false
	}
	if call.Tool == "" {
		return ToolCall{}, false
	}
	return call, true
}

type rawAnswer struct {
	Answer    string `json:"answer"`
	Citations []struct {
		FeedbackID string `json:"feedback_id"`
		TopicID    *int64 `json:"topic_id"`
	} `json:"citations"`
}

func parseAnswer(reply string) (*Answer, bool) {
	var raw rawAnswer
	if err := json.Unmarshal([]byte(extractJSON(reply)), &raw); err != nil {
		return nil, false
	}
	if raw.Answer == "" {
		return nil, false
	}

	out := &Answer{Answer: raw.Answer, Citations: []Citation{}}
	for _, c := range raw.Citations {
		id, err := uuid.Parse(c.FeedbackID)
		if err != nil {
			continue
		}
		out.Citations = append(out.Citations, Citation{FeedbackID: id, TopicID: c.TopicID})
	}
	return out, true
}

// extractJSON pulls the outermost JSON object out of a model reply that
// may carry surrounding prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}

var (
	quoteRe  = regexp.MustCompile(`"([^"]{8,})"`)
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// numericTolerance is the relative tolerance for matching numeric
// claims against tool-output values.
const numericTolerance = 0.01

// verify enforces the grounding invariants: quoted passages must trace
// to a cited feedback's text, and numeric claims must match a
// tool-output value within tolerance. Returns the answer plus the list
// of violations.
func (s *Service) verify(ctx context.Context, answer *Answer, toolResults []ToolResult) (*Answer, []string) {
	var problems []string

	citedTexts := s.citedTexts(ctx, answer.Citations)

	for _, m := range quoteRe.FindAllStringSubmatch(answer.Answer, -1) {
		quote := strings.ToLower(m[1])
		found := false
		for _, text := range citedTexts {
			if strings.Contains(strings.ToLower(text), quote) {
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("quote %q has no supporting citation", m[1]))
		}
	}

	toolBlob := collectToolNumbers(toolResults)
	for _, tok := range numberRe.FindAllString(answer.Answer, -1) {
		claim, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		if !numberGrounded(claim, toolBlob) {
			problems = append(problems, fmt.Sprintf("number %s does not appear in any tool result", tok))
		}
	}

	return answer, problems
}

// citedTexts loads the text of every cited feedback. Unknown ids simply
// contribute nothing; the quote check will flag them.
func (s *Service) citedTexts(ctx context.Context, citations []Citation) []string {
	if len(citations) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(citations))
	for i, c := range citations {
		ids[i] = c.FeedbackID
	}
	rows, err := s.feedback.ListByIDs(ctx, ids)
	if err != nil {
		common.Logger.WithError(err).Warn("failed to load cited feedback for verification")
		return nil
	}
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Text
	}
	return texts
}

func collectToolNumbers(results []ToolResult) []float64 {
	var out []float64
	for _, r := range results {
		for _, tok := range numberRe.FindAllString(r.Output, -1) {
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				out = append(out, v)
			}
		}
	}
	return out
}

func numberGrounded(claim float64, values []float64) bool {
	for _, v := range values {
		if v == claim {
			return true
		}
		if v != 0 && absFloat((claim-v)/v) <= numericTolerance {
			return true
		}
	}
	return false
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func toolResultContent(r ToolResult) string {
	if r.Error != "" {
		return fmt.Sprintf(`{"tool": %q, "error": %q}`, r.Tool, r.Error)
	}
	return r.Output
}

func (s *Service) record(question string, answer *Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Exchange{
		ID:        uuid.NewString(),
		Question:  question,
		Answer:    answer.Answer,
		AskedAt:   time.Now().UTC(),
		Citations: len(answer.Citations),
	})
	// Bounded history; oldest exchanges fall off.
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
}

// Conversations pages through recorded exchanges, newest first.
func (s *Service) Conversations(page, pageSize int) ([]Exchange, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.history)
	reversed := make([]Exchange, total)
	for i, e := range s.history {
		reversed[total-1-i] = e
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []Exchange{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return reversed[start:end], total
}

// ClearMemory drops the recorded history.
func (s *Service) ClearMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// suggestionsTTL bounds how long the suggestion payload is served from
// cache before being rebuilt.
const suggestionsTTL = 15 * time.Minute

// Suggestions returns starter questions for the dashboard. The payload
// goes through the analytics cache so it is invalidated together with
// the rollup entries.
func (s *Service) Suggestions(ctx context.Context) []string {
	key := cache.Key("suggestions", nil)
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, key); ok {
			var cached []string
			if err := json.Unmarshal(body, &cached); err == nil {
				return cached
			}
		}
	}

	list := []string{
		"What are the most common complaints this week?",
		"Show me examples of negative feedback about product quality",
		"How did sentiment change over the last month?",
		"Which sources produce the most negative feedback?",
		"Summarize the top topics from the last 14 days",
	}

	if s.cache != nil {
		if body, err := json.Marshal(list); err == nil {
			s.cache.SetTTL(ctx, key, body, suggestionsTTL)
		}
	}
	return list
}
