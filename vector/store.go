// Package vector implements the embedding index used by clustering and
// the QA example tool. Embeddings are stored as packed little-endian
// float32 blobs in Redis hashes, one hash per feedback, with sentiment
// and topic tags alongside for filtered similarity queries.
package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

const (
	entryKeyPrefix = "vec:"
	indexKey       = "vec:index"
)

// Entry is one indexed embedding with its filter tags.
type Entry struct {
	FeedbackID uuid.UUID
	Embedding  []float32
	Sentiment  *int
	TopicID    *int64
}

// Match is a similarity query result.
type Match struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	Score      float64   `json:"score"`
	Sentiment  *int      `json:"sentiment"`
	TopicID    *int64    `json:"topic_id"`
}

// Store is the Redis-backed vector index.
type Store struct {
	client     *redis.Client
	dimensions int
}

// New connects to the vector backend.
func New(cfg config.VectorConfig) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vector url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to vector backend: %w", err)
	}
	return NewWithClient(client, cfg.Dimensions), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, dimensions int) *Store {
	if dimensions < 1 {
		dimensions = 256
	}
	return &Store{client: client, dimensions: dimensions}
}

// Close releases the connection.
func (s *Store) Close() error { return s.client.Close() }

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Dimensions returns the configured embedding dimensionality.
func (s *Store) Dimensions() int { return s.dimensions }

// Upsert writes or replaces the entry for a feedback. Replays converge
// to the latest values.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	if len(e.Embedding) != s.dimensions {
		return common.Ef(common.KindValidation, "embedding has %d dimensions, expected %d", len(e.Embedding), s.dimensions)
	}

	fields := map[string]interface{}{
		"embedding": packFloats(e.Embedding),
	}
	if e.Sentiment != nil {
		fields["sentiment"] = strconv.Itoa(*e.Sentiment)
	}
	if e.TopicID != nil {
		fields["topic_id"] = strconv.FormatInt(*e.TopicID, 10)
	}

	key := entryKeyPrefix + e.FeedbackID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, indexKey, e.FeedbackID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// SetTopic updates only the topic tag on an existing entry.
func (s *Store) SetTopic(ctx context.Context, feedbackID uuid.UUID, topicID int64) error {
	key := entryKeyPrefix + feedbackID.String()
	return s.client.HSet(ctx, key, "topic_id", strconv.FormatInt(topicID, 10)).Err()
}

// Delete removes an entry from the index.
func (s *Store) Delete(ctx context.Context, feedbackID uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entryKeyPrefix+feedbackID.String())
	pipe.SRem(ctx, indexKey, feedbackID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, feedbackID uuid.UUID) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, entryKeyPrefix+feedbackID.String()).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, common.Ef(common.KindNotFound, "no vector entry for %s", feedbackID)
	}
	return entryFromFields(feedbackID, fields)
}

// QueryFilter narrows a similarity scan.
type QueryFilter struct {
	TopicID   *int64
	Sentiment *int
}

// Query scans the index and returns the k entries nearest to the query
// vector by cosine similarity, highest first. The index is sized for an
// in-process scan; entries failing the filter are skipped before
// scoring.
func (s *Store) Query(ctx context.Context, queryVec []float32, k int, filter QueryFilter) ([]Match, error) {
	if len(queryVec) != s.dimensions {
		return nil, common.Ef(common.KindValidation, "query vector has %d dimensions, expected %d", len(queryVec), s.dimensions)
	}
	if k < 1 {
		k = 5
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, k)
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, common.E(common.KindTimeout, "vector query cancelled", ctx.Err())
		}

		fields, err := s.client.HGetAll(ctx, entryKeyPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		fid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		entry, err := entryFromFields(fid, fields)
		if err != nil {
			continue
		}

		if filter.TopicID != nil && (entry.TopicID == nil || *entry.TopicID != *filter.TopicID) {
			continue
		}
		if filter.Sentiment != nil && (entry.Sentiment == nil || *entry.Sentiment != *filter.Sentiment) {
			continue
		}

		matches = append(matches, Match{
			FeedbackID: fid,
			Score:      Cosine(queryVec, entry.Embedding),
			Sentiment:  entry.Sentiment,
			TopicID:    entry.TopicID,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count returns the number of indexed entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, indexKey).Result()
}

// Cosine computes cosine similarity between two vectors of equal
// length. Zero vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Centroid computes the element-wise mean of a set of vectors.
func Centroid(vecs [][]float32, dimensions int) []float32 {
	out := make([]float32, dimensions)
	if len(vecs) == 0 {
		return out
	}
	for _, v := range vecs {
		if len(v) != dimensions {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

func packFloats(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.New("embedding blob length not a multiple of 4")
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func entryFromFields(feedbackID uuid.UUID, fields map[string]string) (*Entry, error) {
	emb, err := unpackFloats([]byte(fields["embedding"]))
	if err != nil {
		return nil, err
	}
	e := &Entry{FeedbackID: feedbackID, Embedding: emb}
	if raw, ok := fields["sentiment"]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			e.Sentiment = &v
		}
	}
	if raw, ok := fields["topic_id"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.TopicID = &v
		}
	}
	return e, nil
}
