package jobstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

func newStitchingJob(t *testing.T, m *Memory, owner uuid.UUID) *models.VideoJob {
	t.Helper()
	ctx := context.Background()

	job := &models.VideoJob{
		ID:         uuid.New(),
		OwnerID:    owner,
		OwnerEmail: "owner@example.com",
		Status:     models.JobStatusPending,
		SceneCount: 1,
		CreditPool: models.CreditPoolPrimary,
		CreditCost: 1,
	}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if ok, err := m.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing); err != nil || !ok {
		t.Fatalf("PENDING->PROCESSING failed: ok=%v err=%v", ok, err)
	}
	if _, err := m.AppendSceneRef(ctx, job.ID, models.SceneRef{Location: "s0.mp4", SceneIndex: 0, Duration: 5}); err != nil {
		t.Fatalf("AppendSceneRef failed: %v", err)
	}
	if ok, err := m.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusStitching); err != nil || !ok {
		t.Fatalf("PROCESSING->STITCHING failed: ok=%v err=%v", ok, err)
	}
	return job
}

func TestTransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := &models.VideoJob{ID: uuid.New(), Status: models.JobStatusPending}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusStitching)
	if err != nil || ok {
		t.Fatalf("expected guarded no-op, got ok=%v err=%v", ok, err)
	}

	if _, err := m.Transition(ctx, job.ID, models.JobStatusStitching, models.JobStatusDone); !errors.Is(err, ErrBadTransition) {
		t.Errorf("terminal transition through Transition must be rejected, got %v", err)
	}
	if _, err := m.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusStitching); !errors.Is(err, ErrBadTransition) {
		t.Errorf("skipping PROCESSING must be rejected, got %v", err)
	}
	if _, err := m.Transition(ctx, uuid.New(), models.JobStatusPending, models.JobStatusProcessing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendSceneRefIgnoresDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := &models.VideoJob{ID: uuid.New(), Status: models.JobStatusPending, SceneCount: 2}
	_ = m.CreateJob(ctx, job)

	if _, err := m.AppendSceneRef(ctx, job.ID, models.SceneRef{SceneIndex: 0}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("append on PENDING job should fail with ErrInvalidState, got %v", err)
	}

	_, _ = m.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
	_, _ = m.AppendSceneRef(ctx, job.ID, models.SceneRef{Location: "a", SceneIndex: 0})
	got, err := m.AppendSceneRef(ctx, job.ID, models.SceneRef{Location: "b", SceneIndex: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SceneRefs) != 1 || got.SceneRefs[0].Location != "a" {
		t.Errorf("duplicate scene index must be ignored, got %+v", got.SceneRefs)
	}
}

func TestCompleteJobChargesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	owner := uuid.New()
	if err := m.UpsertUser(ctx, &models.User{ID: owner, Email: "owner@example.com", Credits: models.CreditAccount{
		Primary: models.PoolBalance{Allowed: 10, Used: 2},
	}}); err != nil {
		t.Fatal(err)
	}
	job := newStitchingJob(t, m, owner)

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.CompleteJob(ctx, job.ID, Completion{FinalVideoURL: "https://cdn/final.mp4", DurationSeconds: 28})
			if err != nil {
				t.Errorf("CompleteJob failed: %v", err)
			}
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied completion, got %d", applied)
	}

	user, _ := m.GetUser(ctx, owner)
	if user.Credits.Primary.Used != 3 {
		t.Errorf("expected used=3 after one charge, got %d", user.Credits.Primary.Used)
	}

	videos, _ := m.ListGeneratedVideos(ctx, owner, 0, 0)
	if len(videos) != 1 {
		t.Fatalf("expected one generated video, got %d", len(videos))
	}

	// A failure racing after success must not flip the terminal state.
	ok, err := m.FailJob(ctx, job.ID, []models.JobStatus{models.JobStatusStitching}, models.FailureStageStitching, "late")
	if err != nil || ok {
		t.Errorf("late failure must be a no-op, got ok=%v err=%v", ok, err)
	}

	final, _ := m.GetJob(ctx, job.ID)
	if final.Status != models.JobStatusDone || final.ErrorMessage != nil || final.FinalVideoURL == nil {
		t.Errorf("unexpected final job: %+v", final)
	}
}

func TestFailJobRecordsStage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newStitchingJob(t, m, uuid.New())

	ok, err := m.FailJob(ctx, job.ID, []models.JobStatus{models.JobStatusStitching}, models.FailureStageStitching, "ffmpeg exploded")
	if err != nil || !ok {
		t.Fatalf("FailJob: ok=%v err=%v", ok, err)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusFailed || *got.FailureStage != "STITCHING" || *got.ErrorMessage != "ffmpeg exploded" {
		t.Errorf("unexpected failed job: %+v", got)
	}
	if got.FinalVideoURL != nil {
		t.Error("failed job must not carry a final video")
	}

	ok, _ = m.CompleteJob(ctx, job.ID, Completion{FinalVideoURL: "x"})
	if ok {
		t.Error("FAILED job must ignore completion")
	}
}

func TestListStuckJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })
	job := newStitchingJob(t, m, uuid.New())

	stuck, _ := m.ListStuckJobs(ctx, models.JobStatusStitching, base.Add(time.Minute))
	if len(stuck) != 1 || stuck[0].ID != job.ID {
		t.Fatalf("expected job to be stuck, got %+v", stuck)
	}

	stuck, _ = m.ListStuckJobs(ctx, models.JobStatusStitching, base)
	if len(stuck) != 0 {
		t.Errorf("job stitching since exactly the cutoff is not stuck, got %d", len(stuck))
	}
}

func TestResetCreditPeriod(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := uuid.New()
	_ = m.UpsertUser(ctx, &models.User{ID: id, Credits: models.CreditAccount{
		Secondary: models.PoolBalance{Allowed: 5, Used: 5},
	}})

	expiry := time.Now().Add(30 * 24 * time.Hour)
	if err := m.ResetCreditPeriod(ctx, id, models.CreditPoolSecondary, 8, 2, &expiry); err != nil {
		t.Fatal(err)
	}
	u, _ := m.GetUser(ctx, id)
	if u.Credits.Secondary.Used != 0 || u.Credits.Secondary.Allowed != 8 || u.Credits.Secondary.Carryover != 2 {
		t.Errorf("unexpected secondary pool after reset: %+v", u.Credits.Secondary)
	}

	if err := m.ResetCreditPeriod(ctx, uuid.New(), models.CreditPoolPrimary, 1, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
