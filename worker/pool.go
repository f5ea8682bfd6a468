// Package worker runs the enrichment worker pools. Each pipeline queue
// gets a configurable number of workers consuming jobs with blocking
// dequeue; a background reaper redelivers jobs whose visibility
// deadline passed.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"feedbackcore.org/common"
	"feedbackcore.org/metrics"
	"feedbackcore.org/queue"
)

// JobProcessor handles jobs for one queue. Processors must be
// idempotent on replay; the queue delivers at least once.
type JobProcessor interface {
	Process(ctx context.Context, job *queue.Job) error
	Timeout() time.Duration
}

// Pool manages the workers across all pipeline queues.
type Pool struct {
	queue      *queue.Queue
	processors map[string]JobProcessor
	counts     map[string]int

	reapInterval time.Duration
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewPool creates a pool. counts maps queue name to worker count; a
// queue without a registered processor is skipped with a warning.
func NewPool(q *queue.Queue, processors map[string]JobProcessor, counts map[string]int) *Pool {
	return &Pool{
		queue:        q,
		processors:   processors,
		counts:       counts,
		reapInterval: 30 * time.Second,
	}
}

// Start launches the workers and the reaper. Returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	total := 0
	for queueName, count := range p.counts {
		proc, ok := p.processors[queueName]
		if !ok {
			common.Logger.WithField("queue", queueName).Warn("no processor registered for queue")
			continue
		}
		for i := 0; i < count; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, queueName, i, proc)
			total++
		}
		p.wg.Add(1)
		go p.runReaper(ctx, queueName)
	}
	common.Logger.WithField("workers", total).Info("worker pool started")
}

// Stop cancels all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, queueName string, id int, proc JobProcessor) {
	defer p.wg.Done()
	log := common.Logger.WithFields(map[string]interface{}{
		"queue":  queueName,
		"worker": id,
	})
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queueName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.runJob(ctx, log.WithField("job_id", job.ID), job, proc)
	}
}

func (p *Pool) runJob(ctx context.Context, log *logrus.Entry, job *queue.Job, proc JobProcessor) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, proc.Timeout())
	defer cancel()

	err := proc.Process(jobCtx, job)
	metrics.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()
		log.WithError(err).WithField("attempt", job.Attempt).Warn("job failed")
		if nackErr := p.queue.Nack(context.Background(), job); nackErr != nil {
			log.WithError(nackErr).Error("failed to nack job")
		}
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Queue, "ok").Inc()
	if ackErr := p.queue.Ack(context.Background(), job); ackErr != nil {
		log.WithError(ackErr).Error("failed to ack job")
	}
	log.WithField("duration", time.Since(start).String()).Debug("job completed")
}

func (p *Pool) runReaper(ctx context.Context, queueName string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.Reap(ctx, queueName); err != nil {
				common.Logger.WithError(err).WithField("queue", queueName).Error("reap failed")
			} else if n > 0 {
				common.Logger.WithFields(map[string]interface{}{
					"queue":  queueName,
					"reaped": n,
				}).Warn("redelivered stalled jobs")
			}
		}
	}
}
