package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"feedbackcore.org/common"
)

// RemoteSentimentVersion tags annotations produced by the remote
// transformer endpoint.
const RemoteSentimentVersion = "hf-transformer-v1"

// SentimentScorer is what the annotate stage depends on. Both the
// lexicon scorer and the remote client satisfy it.
type SentimentScorer interface {
	Score(ctx context.Context, normalized string) (SentimentResult, error)
}

// LexiconScorer adapts the built-in scorer to SentimentScorer.
type LexiconScorer struct{}

// Score runs the lexicon model. It never fails.
func (LexiconScorer) Score(_ context.Context, normalized string) (SentimentResult, error) {
	return ScoreSentiment(normalized), nil
}

// RemoteScorer calls an external transformer classification endpoint.
// Enabled by the use_hf_sentiment feature flag; the annotate stage
// falls back to the lexicon when the endpoint errors.
type RemoteScorer struct {
	endpoint string
	client   *http.Client
}

// NewRemoteScorer creates a client for the remote sentiment endpoint.
func NewRemoteScorer(endpoint string) *RemoteScorer {
	return &RemoteScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	Label string  `json:"label"` // positive, negative, neutral
	Score float64 `json:"score"` // confidence in [0,1]
}

// Score posts the text and maps the returned label onto the sentiment
// classes. The returned polarity carries the confidence signed by the
// label.
func (r *RemoteScorer) Score(ctx context.Context, normalized string) (SentimentResult, error) {
	body, err := json.Marshal(remoteRequest{Text: normalized})
	if err != nil {
		return SentimentResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return SentimentResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return SentimentResult{}, common.E(common.KindUnavailable, "sentiment endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SentimentResult{}, common.Ef(common.KindUnavailable, "sentiment endpoint returned %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SentimentResult{}, fmt.Errorf("failed to decode sentiment response: %w", err)
	}

	res := SentimentResult{Version: RemoteSentimentVersion}
	switch out.Label {
	case "positive":
		res.Class = SentimentPositive
		res.Score = out.Score
	case "negative":
		res.Class = SentimentNegative
		res.Score = -out.Score
	default:
		res.Class = SentimentNeutral
		res.Score = 0
	}
	return res, nil
}
