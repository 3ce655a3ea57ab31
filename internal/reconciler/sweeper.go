package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
)

// Sweeper fails jobs whose worker went silent, so every job reaches a
// terminal state even when a callback is lost.
type Sweeper struct {
	store             jobstore.Store
	stitchingTimeout  time.Duration
	generationTimeout time.Duration
	interval          time.Duration
	now               func() time.Time
}

func NewSweeper(store jobstore.Store, stitchingTimeout, generationTimeout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:             store,
		stitchingTimeout:  stitchingTimeout,
		generationTimeout: generationTimeout,
		interval:          interval,
		now:               time.Now,
	}
}

// Start sweeps every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	log.Printf("[Sweeper] Started (stitching=%s, generation=%s, every %s)", s.stitchingTimeout, s.generationTimeout, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Printf("[Sweeper] Sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[Sweeper] Failed %d stuck jobs", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	failed := 0

	passes := []struct {
		status  models.JobStatus
		timeout time.Duration
		stage   string
		message string
	}{
		{models.JobStatusStitching, s.stitchingTimeout, models.FailureStageStitching, "merge did not report back within %s"},
		{models.JobStatusPending, s.generationTimeout, models.FailureStageGeneration, "scene generation did not start within %s"},
		{models.JobStatusProcessing, s.generationTimeout, models.FailureStageGeneration, "scene generation did not finish within %s"},
	}

	for _, p := range passes {
		if p.timeout <= 0 {
			continue
		}
		jobs, err := s.store.ListStuckJobs(ctx, p.status, now.Add(-p.timeout))
		if err != nil {
			return failed, fmt.Errorf("failed to list stuck %s jobs: %w", p.status, err)
		}
		for _, job := range jobs {
			applied, err := s.store.FailJob(ctx, job.ID, []models.JobStatus{p.status}, p.stage, fmt.Sprintf(p.message, p.timeout))
			if err != nil {
				log.Printf("[Sweeper] Failed to fail job %s: %v", job.ID, err)
				continue
			}
			if applied {
				failed++
				metrics.RecordTransition(string(models.JobStatusFailed))
				log.Printf("[Sweeper] Job %s stuck in %s, marked FAILED", job.ID, p.status)
			}
		}
	}
	return failed, nil
}
