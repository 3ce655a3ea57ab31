// Package worker consumes scene-generation messages and runs them through
// the orchestrator.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/google/uuid"
)

// JobSource yields queue envelopes. *queue.Queue satisfies it.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
}

// SceneRunner renders all pending scenes of one job.
// *orchestrator.Orchestrator satisfies it.
type SceneRunner interface {
	StartGeneration(ctx context.Context, jobID uuid.UUID) error
}

type Worker struct {
	queue  JobSource
	scenes SceneRunner
}

func New(q JobSource, scenes SceneRunner) *Worker {
	return &Worker{queue: q, scenes: scenes}
}

// Start begins processing scene generation jobs
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueGenerateScenes, w.handleGenerateScenes)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				time.Sleep(time.Second)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing queue job %s (type: %s, job: %s)", job.ID, job.Type, job.JobID)

			start := time.Now()
			err = handler(ctx, job)
			metrics.RecordWorkerJob(job.Type, start, err)
			if err != nil {
				log.Printf("Queue job %s failed: %v", job.ID, err)
			} else {
				log.Printf("Queue job %s completed successfully", job.ID)
			}
		}
	}
}

// handleGenerateScenes renders every scene of a job. Failures are recorded
// on the job by the orchestrator; the returned error is for logging only.
func (w *Worker) handleGenerateScenes(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.TypeGenerateScenes {
		return fmt.Errorf("unexpected job type %q on %s", job.Type, queue.QueueGenerateScenes)
	}
	if job.JobID == uuid.Nil {
		return fmt.Errorf("queue job %s has no video job id", job.ID)
	}
	return w.scenes.StartGeneration(ctx, job.JobID)
}
