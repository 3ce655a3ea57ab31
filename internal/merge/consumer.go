package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/adreel/internal/lock"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/queue"
)

// JobSource yields merge envelopes. *queue.Queue satisfies it.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
}

// JobLock guards one job against concurrent duplicate deliveries.
// *lock.Locker satisfies it.
type JobLock interface {
	Key(id string) string
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Consumer pulls merge requests off the queue and runs them, one job per
// goroutine slot, each bounded by timeout.
type Consumer struct {
	source  JobSource
	locks   JobLock
	worker  *Worker
	timeout time.Duration
}

func NewConsumer(source JobSource, locks JobLock, worker *Worker, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Consumer{source: source, locks: locks, worker: worker, timeout: timeout}
}

// Start blocks until ctx is cancelled. In-flight merges finish their run and
// report before their goroutine exits.
func (c *Consumer) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Printf("[Merge] Consumer started with concurrency: %d", concurrency)

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			c.processQueue(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
	log.Println("[Merge] Consumer shut down")
}

func (c *Consumer) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.source.Dequeue(ctx, queue.QueueMerge, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Merge] Error dequeuing from %s: %v", queue.QueueMerge, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		start := time.Now()
		err = c.Handle(context.WithoutCancel(ctx), job)
		metrics.RecordWorkerJob("merge", start, err)
		if err != nil {
			log.Printf("[Merge] Queue job %s failed: %v", job.ID, err)
		}
	}
}

// Handle runs one envelope. A job whose lock is held elsewhere is a duplicate
// delivery and is dropped.
func (c *Consumer) Handle(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return fmt.Errorf("invalid merge payload: %w", err)
	}
	if req.JobID != job.JobID {
		return fmt.Errorf("merge payload job %s does not match envelope job %s", req.JobID, job.JobID)
	}

	token, err := lock.Token()
	if err != nil {
		return fmt.Errorf("failed to create lock token: %w", err)
	}
	key := c.locks.Key("merge:" + req.JobID.String())
	acquired, err := c.locks.Acquire(ctx, key, token, c.timeout+time.Minute)
	if err != nil {
		return fmt.Errorf("failed to acquire merge lock: %w", err)
	}
	if !acquired {
		log.Printf("[Merge] Job %s is already being merged, skipping duplicate", req.JobID)
		return nil
	}
	defer func() {
		if _, err := c.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Printf("[Merge] Failed to release lock for job %s: %v", req.JobID, err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.worker.Process(runCtx, req)
	metrics.RecordMerge(start, out.Success, string(out.Stage))
	return err
}
