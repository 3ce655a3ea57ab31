// Package orchestrator admits video jobs against the credit ledger, drives
// per-scene generation and hands finished scene sets to the merge worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/ledger"
	"github.com/bobarin/adreel/internal/merge"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidRequest = errors.New("invalid job request")

// Owner is the authenticated caller.
type Owner struct {
	ID    uuid.UUID
	Email string
}

// Dispatcher schedules out-of-process work. *queue.Queue satisfies it.
type Dispatcher interface {
	EnqueueGenerateScenes(ctx context.Context, jobID uuid.UUID) error
	EnqueueMerge(ctx context.Context, jobID uuid.UUID, payload interface{}) error
}

type Options struct {
	PrimaryJobCost    int
	SecondaryJobCost  int
	UpsellThreshold   int
	DefaultCrossfade  float64
	DefaultSceneCount int
	MaxScenes         int
	SceneConcurrency  int
	UploadConcurrency int
}

type Orchestrator struct {
	store      jobstore.Store
	users      jobstore.UserStore
	objects    storage.ObjectStore
	generator  services.SceneGenerator
	planner    services.ScenePlanner // nil: requests must carry scenes
	dispatcher Dispatcher
	opts       Options
	uploadSem  chan struct{}
	now        func() time.Time
}

func New(
	store jobstore.Store,
	users jobstore.UserStore,
	objects storage.ObjectStore,
	generator services.SceneGenerator,
	planner services.ScenePlanner,
	dispatcher Dispatcher,
	opts Options,
) *Orchestrator {
	if opts.DefaultSceneCount <= 0 {
		opts.DefaultSceneCount = 3
	}
	if opts.MaxScenes <= 0 {
		opts.MaxScenes = 8
	}
	if opts.SceneConcurrency <= 0 {
		opts.SceneConcurrency = 3
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 2
	}
	if opts.UpsellThreshold <= 0 {
		opts.UpsellThreshold = ledger.DefaultUpsellThreshold
	}
	return &Orchestrator{
		store:      store,
		users:      users,
		objects:    objects,
		generator:  generator,
		planner:    planner,
		dispatcher: dispatcher,
		opts:       opts,
		uploadSem:  make(chan struct{}, opts.UploadConcurrency),
		now:        time.Now,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// CreateJob admits a job and schedules its scene generation. Rejections
// (*ledger.Error, ErrInvalidRequest) leave no state behind except the
// caller's user row.
func (o *Orchestrator) CreateJob(ctx context.Context, owner Owner, req models.CreateJobRequest) (*models.VideoJob, error) {
	brief := strings.TrimSpace(req.Brief)
	if brief == "" && len(req.Scenes) == 0 {
		return nil, invalid("brief or scenes is required")
	}

	rawPool := ""
	if req.Pool != nil {
		rawPool = *req.Pool
	}
	pool, err := ledger.ParsePool(rawPool)
	if err != nil {
		return nil, invalid("%v", err)
	}

	crossfade := o.opts.DefaultCrossfade
	if req.CrossfadeSeconds != nil {
		crossfade = *req.CrossfadeSeconds
	}
	if crossfade < 0 {
		return nil, invalid("crossfade_seconds must not be negative")
	}

	count := len(req.Scenes)
	if count == 0 {
		count = o.opts.DefaultSceneCount
		if req.SceneCount != nil {
			count = *req.SceneCount
		}
	}
	if count < 1 || count > o.opts.MaxScenes {
		return nil, invalid("scene count must be between 1 and %d", o.opts.MaxScenes)
	}
	for i, s := range req.Scenes {
		if strings.TrimSpace(s.Prompt) == "" {
			return nil, invalid("scene %d has an empty prompt", i)
		}
	}
	if len(req.Scenes) == 0 && o.planner == nil {
		return nil, invalid("scenes are required")
	}

	user, err := o.ensureUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	cost := o.costOf(pool)
	if err := ledger.CheckAdmission(user.Credits, pool, cost, o.now()); err != nil {
		log.Printf("[Orchestrator] Rejected job for %s: %v", owner.ID, err)
		return nil, err
	}

	prompts := models.ScenePrompts(req.Scenes)
	if len(prompts) == 0 {
		planned, err := o.planner.PlanScenes(ctx, brief, count)
		if err != nil {
			return nil, fmt.Errorf("failed to plan scenes: %w", err)
		}
		prompts = planned
	}

	job := &models.VideoJob{
		ID:               uuid.New(),
		OwnerID:          owner.ID,
		OwnerEmail:       owner.Email,
		Status:           models.JobStatusPending,
		Brief:            brief,
		SceneCount:       len(prompts),
		ScenePrompts:     prompts,
		SceneRefs:        models.SceneRefs{},
		CrossfadeSeconds: crossfade,
		CreditPool:       pool,
		CreditCost:       cost,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := o.dispatcher.EnqueueGenerateScenes(ctx, job.ID); err != nil {
		o.failJob(ctx, job.ID, models.JobStatusPending, models.FailureStageGeneration, "failed to schedule scene generation")
		return nil, fmt.Errorf("failed to enqueue scene generation: %w", err)
	}

	log.Printf("[Orchestrator] Job %s admitted (%d scenes, pool=%s, cost=%d)", job.ID, job.SceneCount, pool, cost)
	return job, nil
}

func (o *Orchestrator) costOf(pool models.CreditPool) int {
	if pool == models.CreditPoolSecondary {
		return o.opts.SecondaryJobCost
	}
	return o.opts.PrimaryJobCost
}

func (o *Orchestrator) ensureUser(ctx context.Context, owner Owner) (*models.User, error) {
	user, err := o.users.GetUser(ctx, owner.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user = &models.User{ID: owner.ID, Email: owner.Email}
	if err := o.users.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Credits reports both pools of the caller.
func (o *Orchestrator) Credits(ctx context.Context, owner Owner) (*models.CreditsResponse, error) {
	user, err := o.ensureUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := o.now()
	pool := func(p models.CreditPool) models.PoolCreditsResponse {
		bal := ledger.Available(user.Credits, p, now)
		raw := user.Credits.Pool(p)
		return models.PoolCreditsResponse{Allowed: raw.Allowed, Used: raw.Used, Available: bal.Available, HasCarryover: bal.HasCarryover}
	}
	return &models.CreditsResponse{
		Primary:   pool(models.CreditPoolPrimary),
		Secondary: pool(models.CreditPoolSecondary),
	}, nil
}

// CheckPurchase is the upsell gate: a new plan may only be bought once the
// pool is nearly spent. It returns the pool's available credits.
func (o *Orchestrator) CheckPurchase(ctx context.Context, owner Owner, pool models.CreditPool) (int, error) {
	user, err := o.ensureUser(ctx, owner)
	if err != nil {
		return 0, err
	}
	now := o.now()
	available := ledger.Available(user.Credits, pool, now).Available
	return available, ledger.CheckUpsell(user.Credits, pool, o.opts.UpsellThreshold, now)
}

// StartGeneration renders every scene of a job that has no clip yet. It is
// safe to call again for the same job: recorded scenes are skipped and the
// hand-off to the merge worker happens at most once.
func (o *Orchestrator) StartGeneration(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	switch job.Status {
	case models.JobStatusPending:
		if _, err := o.store.Transition(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing); err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		if job, err = o.store.GetJob(ctx, jobID); err != nil {
			return fmt.Errorf("failed to reload job: %w", err)
		}
		if job.Status != models.JobStatusProcessing {
			log.Printf("[Orchestrator] Job %s moved to %s before generation started, skipping", jobID, job.Status)
			return nil
		}
		metrics.RecordTransition(string(models.JobStatusProcessing))
	case models.JobStatusProcessing:
		log.Printf("[Orchestrator] Resuming generation for job %s (%d/%d scenes)", jobID, len(job.SceneRefs), job.SceneCount)
	default:
		log.Printf("[Orchestrator] Job %s is %s, nothing to generate", jobID, job.Status)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.SceneConcurrency)
	for i, prompt := range job.ScenePrompts {
		if job.SceneRefs.Has(i) {
			continue
		}
		spec := services.SceneSpec{Index: i, Prompt: prompt.Prompt, DurationSec: prompt.DurationSec}
		g.Go(func() error {
			return o.generateScene(gctx, job.ID, spec)
		})
	}

	if err := g.Wait(); err != nil {
		o.failJob(ctx, jobID, models.JobStatusProcessing, models.FailureStageGeneration, err.Error())
		return err
	}

	// All scenes may already have been recorded by an earlier attempt.
	job, err = o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}
	return o.maybeStartMerge(ctx, job)
}

func (o *Orchestrator) generateScene(ctx context.Context, jobID uuid.UUID, spec services.SceneSpec) error {
	start := time.Now()
	scene, err := o.generator.GenerateScene(ctx, spec)
	metrics.RecordWorkerJob("scene", start, err)
	if err != nil {
		return fmt.Errorf("scene %d generation failed: %w", spec.Index, err)
	}

	key := storage.SceneKey(jobID, spec.Index)
	if err := o.uploadWithLimit(ctx, key, func() error {
		_, err := o.objects.Upload(ctx, key, scene.Data, scene.MIMEType)
		return err
	}); err != nil {
		return fmt.Errorf("scene %d upload failed: %w", spec.Index, err)
	}

	job, err := o.store.AppendSceneRef(ctx, jobID, models.SceneRef{
		Location:   key,
		SceneIndex: spec.Index,
		Duration:   scene.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to record scene %d: %w", spec.Index, err)
	}
	log.Printf("[Orchestrator] Job %s: scene %d ready (%d/%d)", jobID, spec.Index, len(job.SceneRefs), job.SceneCount)

	return o.maybeStartMerge(ctx, job)
}

// maybeStartMerge moves a complete job to STITCHING and enqueues the merge.
// Only the caller whose compare-and-swap applies enqueues.
func (o *Orchestrator) maybeStartMerge(ctx context.Context, job *models.VideoJob) error {
	if job.Status != models.JobStatusProcessing || len(job.SceneRefs) < job.SceneCount {
		return nil
	}

	applied, err := o.store.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusStitching)
	if err != nil {
		return fmt.Errorf("failed to start stitching: %w", err)
	}
	if !applied {
		return nil
	}
	metrics.RecordTransition(string(models.JobStatusStitching))

	crossfade := job.CrossfadeSeconds
	req := merge.Request{
		JobID:            job.ID,
		Bucket:           o.objects.Bucket(),
		Scenes:           job.SceneRefs.Ordered(),
		OutputKey:        storage.FinalKey(job.ID),
		CrossfadeSeconds: &crossfade,
	}
	if err := o.dispatcher.EnqueueMerge(ctx, job.ID, req); err != nil {
		o.failJob(ctx, job.ID, models.JobStatusStitching, models.FailureStageStitching, "failed to schedule merge")
		return fmt.Errorf("failed to enqueue merge: %w", err)
	}

	log.Printf("[Orchestrator] Job %s: all %d scenes ready, merge enqueued", job.ID, job.SceneCount)
	return nil
}

// uploadWithLimit bounds concurrent uploads across all jobs of this process.
func (o *Orchestrator) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case o.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload of %s cancelled while waiting for slot: %w", label, ctx.Err())
	}
	defer func() { <-o.uploadSem }()
	return fn()
}

func (o *Orchestrator) failJob(ctx context.Context, id uuid.UUID, from models.JobStatus, stage, msg string) {
	applied, err := o.store.FailJob(context.WithoutCancel(ctx), id, []models.JobStatus{from}, stage, msg)
	if err != nil {
		log.Printf("[Orchestrator] Failed to mark job %s FAILED: %v", id, err)
		return
	}
	if applied {
		metrics.RecordTransition(string(models.JobStatusFailed))
		log.Printf("[Orchestrator] Job %s FAILED at %s: %s", id, stage, msg)
	}
}
