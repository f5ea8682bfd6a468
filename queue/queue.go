// Package queue implements the background job pipeline plumbing: a
// Redis-backed job queue with blocking dequeue, visibility timeouts and
// a dead letter queue, plus an AMQP publisher for batch lifecycle
// events.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// Pipeline queue names, in execution order.
const (
	QueueIngest   = "ingest"
	QueueAnnotate = "annotate"
	QueueCluster  = "cluster"
	QueueReports  = "reports"
)

// keyPrefix namespaces queue keys in the backing store.
const keyPrefix = "jobs:"

// Job is one unit of pipeline work. The payload carries the batch and
// the feedback identifiers it covers; stages re-read rows from the
// database so a replayed job converges to the same state.
type Job struct {
	ID          string      `json:"id"`
	Queue       string      `json:"queue"`
	BatchID     uuid.UUID   `json:"batch_id"`
	FeedbackIDs []uuid.UUID `json:"feedback_ids"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Attempt     int         `json:"attempt"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// Queue is the Redis-backed job queue shared by the API (producer) and
// the workers (consumers).
type Queue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	maxAttempts       int
}

// New connects to the queue backend.
func New(cfg config.QueueConfig) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue backend: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, cfg config.QueueConfig) *Queue {
	vt := cfg.VisibilityTimeout
	if vt <= 0 {
		vt = 2 * time.Minute
	}
	ma := cfg.MaxAttempts
	if ma <= 0 {
		ma = 5
	}
	return &Queue{client: client, visibilityTimeout: vt, maxAttempts: ma}
}

// Close releases the connection.
func (q *Queue) Close() error { return q.client.Close() }

// Ping reports backend health.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func queueKey(name string) string      { return keyPrefix + name }
func processingKey(name string) string { return keyPrefix + name + ":processing" }
func payloadKey(jobID string) string   { return keyPrefix + "payload:" + jobID }
func deadKey(name string) string       { return keyPrefix + name + ":dead" }

// Enqueue appends a job to its queue. A fresh job id is assigned when
// the caller left it empty.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Queue == "" {
		return common.E(common.KindValidation, "job queue name is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.RPush(ctx, queueKey(job.Queue), body).Err()
}

// Dequeue blocks up to timeout for the next job. On delivery the job is
// tracked in the processing set with a visibility deadline; a worker
// that dies without acking gets its job redelivered by the reaper.
// Returns (nil, nil) when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKey(queueName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queueName, err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	deadline := time.Now().Add(q.visibilityTimeout)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, processingKey(queueName), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: job.ID,
	})
	pipe.Set(ctx, payloadKey(job.ID), result[1], q.visibilityTimeout*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to track job %s: %w", job.ID, err)
	}

	return &job, nil
}

// Ack removes a completed job from the processing set.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey(job.Queue), job.ID)
	pipe.Del(ctx, payloadKey(job.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack removes the job from the processing set and either re-enqueues
// it with an incremented attempt counter or, once attempts are
// exhausted, parks it on the dead letter queue.
func (q *Queue) Nack(ctx context.Context, job *Job) error {
	if err := q.Ack(ctx, job); err != nil {
		return err
	}

	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal dead job: %w", err)
		}
		common.Logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"queue":    job.Queue,
			"batch_id": job.BatchID,
			"attempts": job.Attempt,
		}).Error("job attempts exhausted, moving to dead letter queue")
		return q.client.RPush(ctx, deadKey(job.Queue), body).Err()
	}

	return q.Enqueue(ctx, job)
}

// Reap scans the processing set for jobs whose visibility deadline
// passed and re-enqueues them. Workers run this periodically; each
// redelivery counts as an attempt.
func (q *Queue) Reap(ctx context.Context, queueName string) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := q.client.ZRangeByScore(ctx, processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	var reaped int
	for _, jobID := range expired {
		body, err := q.client.Get(ctx, payloadKey(jobID)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload expired with the deadline; nothing to replay.
			q.client.ZRem(ctx, processingKey(queueName), jobID)
			continue
		}
		if err != nil {
			return reaped, err
		}

		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			q.client.ZRem(ctx, processingKey(queueName), jobID)
			continue
		}

		if err := q.Nack(ctx, &job); err != nil {
			return reaped, err
		}
		common.Logger.WithFields(map[string]interface{}{
			"job_id": jobID,
			"queue":  queueName,
		}).Warn("reaped stalled job")
		reaped++
	}
	return reaped, nil
}

// Depth returns the number of waiting jobs on a queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueKey(queueName)).Result()
}

// DeadDepth returns the number of jobs parked on the dead letter queue.
func (q *Queue) DeadDepth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, deadKey(queueName)).Result()
}
