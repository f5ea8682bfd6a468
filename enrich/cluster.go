package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/nlp"
	"feedbackcore.org/queue"
	"feedbackcore.org/vector"
)

// Clustering parameters.
const (
	// similarityThreshold is the minimum cosine similarity to an
	// existing topic centroid for assignment.
	similarityThreshold = 0.7

	// poolThreshold is the unassigned-pool size that triggers spawning
	// a new topic.
	poolThreshold = 50

	// topicKeywordCount is how many keywords label a spawned topic.
	topicKeywordCount = 3
)

// ClusterProcessor embeds each feedback, upserts into the vector store,
// and performs online topic assignment.
type ClusterProcessor struct {
	PG       *db.Postgres
	Feedback repository.FeedbackStore
	Topics   repository.TopicStore
	Vectors  *vector.Store
	Jobs     *queue.Queue
	Embedder *nlp.Embedder
}

// Timeout bounds one clustering job.
func (p *ClusterProcessor) Timeout() time.Duration { return 120 * time.Second }

// Process assigns each feedback in the batch to the nearest topic
// centroid within the similarity threshold, or parks it in the
// unassigned pool. When the pool grows past its threshold a new topic
// is spawned with a label synthesised from the pool's top keywords.
// Enqueues the reports job covering the batch's time window.
func (p *ClusterProcessor) Process(ctx context.Context, job *queue.Job) error {
	rows, err := p.Feedback.ListByIDs(ctx, job.FeedbackIDs)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return p.enqueueReports(ctx, job, time.Now().UTC(), time.Now().UTC())
	}

	centroids, err := p.topicCentroids(ctx)
	if err != nil {
		return err
	}

	windowStart := rows[0].CreatedAt
	windowEnd := rows[0].CreatedAt

	for i := range rows {
		row := &rows[i]
		if row.CreatedAt.Before(windowStart) {
			windowStart = row.CreatedAt
		}
		if row.CreatedAt.After(windowEnd) {
			windowEnd = row.CreatedAt
		}

		emb := p.Embedder.Embed(row.NormalizedText)

		var sentiment *int
		if row.Annotation != nil {
			sentiment = row.Annotation.Sentiment
		}
		entry := vector.Entry{FeedbackID: row.ID, Embedding: emb, Sentiment: sentiment}

		topicID := p.nearestTopic(centroids, emb)
		if topicID != nil {
			entry.TopicID = topicID
		}
		if err := p.Vectors.Upsert(ctx, entry); err != nil {
			return err
		}

		if topicID != nil {
			err := p.PG.Transaction(ctx, func(tx *gorm.DB) error {
				return p.Feedback.SetAnnotationTopic(tx, row.ID, *topicID)
			})
			if err != nil && !common.IsKind(err, common.KindNotFound) {
				return err
			}
		}
	}

	if err := p.spawnTopicFromPool(ctx); err != nil {
		common.Logger.WithError(err).Warn("topic spawn failed")
	}

	return p.enqueueReports(ctx, job, windowStart, windowEnd)
}

func (p *ClusterProcessor) enqueueReports(ctx context.Context, job *queue.Job, start, end time.Time) error {
	return p.Jobs.Enqueue(ctx, &queue.Job{
		Queue:       queue.QueueReports,
		BatchID:     job.BatchID,
		WindowStart: start,
		WindowEnd:   end,
	})
}

type topicCentroid struct {
	topicID  int64
	centroid []float32
}

// topicCentroids computes the centroid of each topic's indexed
// embeddings. The sentinel unassigned topic is excluded.
func (p *ClusterProcessor) topicCentroids(ctx context.Context) ([]topicCentroid, error) {
	topics, err := p.Topics.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []topicCentroid
	for _, t := range topics {
		if t.Label == db.UnassignedTopicLabel {
			continue
		}
		tid := t.ID
		matches, err := p.Vectors.Query(ctx, zeroSafeProbe(p.Embedder.Dimensions()), 200, vector.QueryFilter{TopicID: &tid})
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}
		vecs := make([][]float32, 0, len(matches))
		for _, m := range matches {
			e, err := p.Vectors.Get(ctx, m.FeedbackID)
			if err != nil {
				continue
			}
			vecs = append(vecs, e.Embedding)
		}
		out = append(out, topicCentroid{topicID: t.ID, centroid: vector.Centroid(vecs, p.Embedder.Dimensions())})
	}
	return out, nil
}

// zeroSafeProbe returns a unit probe vector; the query only needs to
// enumerate entries under the filter, not rank them meaningfully.
func zeroSafeProbe(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

// nearestTopic returns the centroid above the similarity threshold
// closest to the embedding, or nil.
func (p *ClusterProcessor) nearestTopic(centroids []topicCentroid, emb []float32) *int64 {
	var best *int64
	bestScore := similarityThreshold
	for i := range centroids {
		score := vector.Cosine(emb, centroids[i].centroid)
		if score >= bestScore {
			id := centroids[i].topicID
			best = &id
			bestScore = score
		}
	}
	return best
}

// spawnTopicFromPool checks the unassigned pool and, when it exceeds
// the threshold, creates a topic labelled from the pool's top keywords
// and assigns the pool members to it.
func (p *ClusterProcessor) spawnTopicFromPool(ctx context.Context) error {
	pool, err := p.Vectors.Query(ctx, zeroSafeProbe(p.Embedder.Dimensions()), poolThreshold*4, vector.QueryFilter{})
	if err != nil {
		return err
	}

	var unassigned []uuid.UUID
	for _, m := range pool {
		if m.TopicID == nil {
			unassigned = append(unassigned, m.FeedbackID)
		}
	}
	if len(unassigned) <= poolThreshold {
		return nil
	}

	rows, err := p.Feedback.ListByIDs(ctx, unassigned)
	if err != nil {
		return err
	}
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.NormalizedText
	}
	keywords := nlp.TopKeywords(texts, topicKeywordCount)
	if len(keywords) == 0 {
		return nil
	}

	label := keywords[0]
	if len(keywords) > 1 {
		label = fmt.Sprintf("%s / %s", keywords[0], keywords[1])
	}

	topic := &db.Topic{Label: label, Keywords: keywords}
	err = p.PG.Transaction(ctx, func(tx *gorm.DB) error {
		if err := p.Topics.Create(tx, topic); err != nil {
			return err
		}
		for _, r := range rows {
			if err := p.Feedback.SetAnnotationTopic(tx, r.ID, topic.ID); err != nil {
				if common.IsKind(err, common.KindNotFound) {
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range rows {
		if err := p.Vectors.SetTopic(ctx, r.ID, topic.ID); err != nil {
			common.Logger.WithError(err).WithField("feedback_id", r.ID).Warn("failed to tag vector with spawned topic")
		}
	}

	common.Logger.WithFields(map[string]interface{}{
		"topic_id": topic.ID,
		"label":    label,
		"members":  len(rows),
	}).Info("spawned topic from unassigned pool")
	return nil
}
