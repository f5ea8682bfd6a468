package vector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackcore.org/common"
)

func newTestStore(t *testing.T, dims int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, dims)
}

func unitVec(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestPackUnpackRoundtrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, 3.25, -127.125}
	out, err := unpackFloats(packFloats(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnpackRejectsTruncatedBlob(t *testing.T) {
	_, err := unpackFloats([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUpsertGetRoundtrip(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Upsert(ctx, Entry{
		FeedbackID: id,
		Embedding:  []float32{0.1, 0.2, 0.3, 0.4},
		Sentiment:  intPtr(-1),
		TopicID:    int64Ptr(7),
	}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, got.Embedding)
	require.NotNil(t, got.Sentiment)
	assert.Equal(t, -1, *got.Sentiment)
	require.NotNil(t, got.TopicID)
	assert.Equal(t, int64(7), *got.TopicID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsertRejectsWrongDimensions(t *testing.T) {
	s := newTestStore(t, 4)
	err := s.Upsert(context.Background(), Entry{FeedbackID: uuid.New(), Embedding: []float32{1, 2}})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestGetMissingEntry(t *testing.T) {
	s := newTestStore(t, 4)
	_, err := s.Get(context.Background(), uuid.New())
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestQueryOrdersBySimilarity(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	near := uuid.New()
	far := uuid.New()
	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: near, Embedding: []float32{1, 0.1, 0}}))
	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: far, Embedding: []float32{0, 0, 1}}))

	matches, err := s.Query(ctx, []float32{1, 0, 0}, 10, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near, matches[0].FeedbackID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestQueryHonoursKAndFilters(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	negA := uuid.New()
	negB := uuid.New()
	pos := uuid.New()
	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: negA, Embedding: unitVec(3, 0), Sentiment: intPtr(-1), TopicID: int64Ptr(1)}))
	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: negB, Embedding: unitVec(3, 1), Sentiment: intPtr(-1), TopicID: int64Ptr(2)}))
	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: pos, Embedding: unitVec(3, 0), Sentiment: intPtr(1), TopicID: int64Ptr(1)}))

	matches, err := s.Query(ctx, unitVec(3, 0), 10, QueryFilter{Sentiment: intPtr(-1)})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	matches, err = s.Query(ctx, unitVec(3, 0), 10, QueryFilter{Sentiment: intPtr(-1), TopicID: int64Ptr(1)})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, negA, matches[0].FeedbackID)

	matches, err = s.Query(ctx, unitVec(3, 0), 1, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestQueryRejectsWrongDimensions(t *testing.T) {
	s := newTestStore(t, 3)
	_, err := s.Query(context.Background(), []float32{1}, 5, QueryFilter{})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestSetTopicUpdatesTag(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: id, Embedding: unitVec(3, 0)}))
	require.NoError(t, s.SetTopic(ctx, id, 42))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.TopicID)
	assert.Equal(t, int64(42), *got.TopicID)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Upsert(ctx, Entry{FeedbackID: id, Embedding: unitVec(3, 0)}))
	require.NoError(t, s.Delete(ctx, id))

	_, err := s.Get(ctx, id)
	assert.True(t, common.IsKind(err, common.KindNotFound))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
}

func TestCentroid(t *testing.T) {
	got := Centroid([][]float32{{1, 0}, {0, 1}}, 2)
	assert.Equal(t, []float32{0.5, 0.5}, got)

	assert.Equal(t, []float32{0, 0}, Centroid(nil, 2))
}
