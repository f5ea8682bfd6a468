package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackcore.org/config"
	"feedbackcore.org/queue"
)

type stubProcessor struct {
	mu        sync.Mutex
	processed []*queue.Job
	fail      bool
}

func (s *stubProcessor) Process(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	s.processed = append(s.processed, job)
	s.mu.Unlock()
	if s.fail {
		return errors.New("stage failed")
	}
	return nil
}

func (s *stubProcessor) Timeout() time.Duration { return time.Second }

func (s *stubProcessor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func newTestQueue(t *testing.T, maxAttempts int) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewWithClient(client, config.QueueConfig{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       maxAttempts,
	})
}

func TestPoolProcessesAndAcks(t *testing.T) {
	jobs := newTestQueue(t, 3)
	ctx := context.Background()

	proc := &stubProcessor{}
	pool := NewPool(jobs, map[string]JobProcessor{queue.QueueIngest: proc}, map[string]int{queue.QueueIngest: 1})
	pool.Start(ctx)
	defer pool.Stop()

	require.NoError(t, jobs.Enqueue(ctx, &queue.Job{Queue: queue.QueueIngest}))

	require.Eventually(t, func() bool { return proc.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	// acked: nothing left on the queue or in the dead letter queue
	assert.Eventually(t, func() bool {
		depth, err := jobs.Depth(ctx, queue.QueueIngest)
		if err != nil || depth != 0 {
			return false
		}
		dead, err := jobs.DeadDepth(ctx, queue.QueueIngest)
		return err == nil && dead == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPoolNacksFailedJobsToDeadLetter(t *testing.T) {
	jobs := newTestQueue(t, 1)
	ctx := context.Background()

	proc := &stubProcessor{fail: true}
	pool := NewPool(jobs, map[string]JobProcessor{queue.QueueAnnotate: proc}, map[string]int{queue.QueueAnnotate: 1})
	pool.Start(ctx)
	defer pool.Stop()

	require.NoError(t, jobs.Enqueue(ctx, &queue.Job{Queue: queue.QueueAnnotate}))

	assert.Eventually(t, func() bool {
		dead, err := jobs.DeadDepth(ctx, queue.QueueAnnotate)
		return err == nil && dead == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, proc.count())
}

func TestPoolSkipsQueuesWithoutProcessor(t *testing.T) {
	jobs := newTestQueue(t, 3)

	pool := NewPool(jobs, map[string]JobProcessor{}, map[string]int{queue.QueueCluster: 2})
	pool.Start(context.Background())
	pool.Stop()
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	jobs := newTestQueue(t, 3)
	ctx := context.Background()

	proc := &stubProcessor{}
	pool := NewPool(jobs, map[string]JobProcessor{queue.QueueReports: proc}, map[string]int{queue.QueueReports: 2})
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, jobs.Enqueue(ctx, &queue.Job{Queue: queue.QueueReports}))
	}
	require.Eventually(t, func() bool { return proc.count() == 5 }, 5*time.Second, 50*time.Millisecond)

	pool.Stop() // returns only after every worker exited

	depth, err := jobs.Depth(ctx, queue.QueueReports)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
