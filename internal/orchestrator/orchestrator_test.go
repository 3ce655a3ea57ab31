package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/ledger"
	"github.com/bobarin/adreel/internal/merge"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/reconciler"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/google/uuid"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return m.PublicURL(key), nil
}

func (m *memObjects) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key], nil
}

func (m *memObjects) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (m *memObjects) SignForPlayback(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return m.PublicURL(key), nil
}

func (m *memObjects) PublicURL(key string) string { return "https://cdn.example.com/" + key }

func (m *memObjects) Bucket() string { return "videos" }

func (m *memObjects) WithBucket(name string) storage.ObjectStore { return m }

type fakeGenerator struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]error
}

func (g *fakeGenerator) GenerateScene(ctx context.Context, spec services.SceneSpec) (*services.GeneratedScene, error) {
	g.mu.Lock()
	g.calls = append(g.calls, spec.Index)
	err := g.fail[spec.Index]
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &services.GeneratedScene{Data: []byte(fmt.Sprintf("scene-%d", spec.Index)), MIMEType: "video/mp4", Duration: 8}, nil
}

type fakePlanner struct {
	calls int
}

func (p *fakePlanner) PlanScenes(ctx context.Context, brief string, count int) ([]models.ScenePrompt, error) {
	p.calls++
	out := make([]models.ScenePrompt, count)
	for i := range out {
		out[i] = models.ScenePrompt{Prompt: fmt.Sprintf("%s, shot %d", brief, i+1), DurationSec: 8}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	generation []uuid.UUID
	merges     []merge.Request
	err        error
}

func (d *fakeDispatcher) EnqueueGenerateScenes(ctx context.Context, jobID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.generation = append(d.generation, jobID)
	return nil
}

func (d *fakeDispatcher) EnqueueMerge(ctx context.Context, jobID uuid.UUID, payload interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Round-trip through JSON as the queue does.
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var req merge.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	d.merges = append(d.merges, req)
	return nil
}

type fixture struct {
	store      *jobstore.Memory
	objects    *memObjects
	generator  *fakeGenerator
	planner    *fakePlanner
	dispatcher *fakeDispatcher
	orch       *Orchestrator
	owner      Owner
}

func newFixture(t *testing.T, credits models.CreditAccount) *fixture {
	t.Helper()
	f := &fixture{
		store:      jobstore.NewMemory(),
		objects:    &memObjects{objects: map[string][]byte{}},
		generator:  &fakeGenerator{fail: map[int]error{}},
		planner:    &fakePlanner{},
		dispatcher: &fakeDispatcher{},
		owner:      Owner{ID: uuid.New(), Email: "owner@example.com"},
	}
	if err := f.store.UpsertUser(context.Background(), &models.User{ID: f.owner.ID, Email: f.owner.Email, Credits: credits}); err != nil {
		t.Fatal(err)
	}
	f.orch = New(f.store, f.store, f.objects, f.generator, f.planner, f.dispatcher, Options{
		PrimaryJobCost:   1,
		SecondaryJobCost: 2,
		DefaultCrossfade: 0.5,
	})
	return f
}

func primary(allowed, used int) models.CreditAccount {
	return models.CreditAccount{Primary: models.PoolBalance{Allowed: allowed, Used: used}}
}

func TestCreateJobPlansScenesFromBrief(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	count := 4

	job, err := f.orch.CreateJob(context.Background(), f.owner, models.CreateJobRequest{Brief: "A smart water bottle", SceneCount: &count})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending || job.SceneCount != 4 || len(job.ScenePrompts) != 4 {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.CreditPool != models.CreditPoolPrimary || job.CreditCost != 1 || job.CrossfadeSeconds != 0.5 {
		t.Errorf("unexpected admission fields: %+v", job)
	}
	if f.planner.calls != 1 || len(f.dispatcher.generation) != 1 || f.dispatcher.generation[0] != job.ID {
		t.Errorf("planner calls=%d generation=%v", f.planner.calls, f.dispatcher.generation)
	}
}

func TestCreateJobRejectsWithoutCredits(t *testing.T) {
	f := newFixture(t, primary(3, 3))
	before, _ := f.store.Snapshot()

	_, err := f.orch.CreateJob(context.Background(), f.owner, models.CreateJobRequest{
		Scenes: []models.ScenePrompt{{Prompt: "shot"}},
	})
	var lerr *ledger.Error
	if !errors.As(err, &lerr) || lerr.Code != ledger.CodeInsufficientCredits {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	after, _ := f.store.Snapshot()
	if string(before) != string(after) {
		t.Error("rejected admission must not write")
	}
	if f.planner.calls != 0 || len(f.dispatcher.generation) != 0 {
		t.Error("rejected admission must not plan or enqueue")
	}
}

func TestCreateJobChargesSelectedPool(t *testing.T) {
	f := newFixture(t, models.CreditAccount{
		Primary:   models.PoolBalance{Allowed: 0},
		Secondary: models.PoolBalance{Allowed: 1},
	})
	pool := "secondary"

	// Secondary costs 2 and only 1 is available.
	_, err := f.orch.CreateJob(context.Background(), f.owner, models.CreateJobRequest{
		Scenes: []models.ScenePrompt{{Prompt: "shot"}},
		Pool:   &pool,
	})
	var lerr *ledger.Error
	if !errors.As(err, &lerr) || lerr.Pool != models.CreditPoolSecondary || lerr.Required != 2 {
		t.Fatalf("expected secondary rejection, got %v", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	zero, tooMany := 0, 20
	badPool := "tokens"
	negFade := -1.0

	for name, req := range map[string]models.CreateJobRequest{
		"empty":         {},
		"zero scenes":   {Brief: "b", SceneCount: &zero},
		"too many":      {Brief: "b", SceneCount: &tooMany},
		"unknown pool":  {Brief: "b", Pool: &badPool},
		"negative fade": {Brief: "b", CrossfadeSeconds: &negFade},
		"blank prompt":  {Scenes: []models.ScenePrompt{{Prompt: " "}}},
	} {
		if _, err := f.orch.CreateJob(context.Background(), f.owner, req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestCreateJobUnknownUserHasNoCredits(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	stranger := Owner{ID: uuid.New(), Email: "new@example.com"}

	_, err := f.orch.CreateJob(context.Background(), stranger, models.CreateJobRequest{Brief: "b"})
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected ledger rejection, got %v", err)
	}
	if _, err := f.store.GetUser(context.Background(), stranger.ID); err != nil {
		t.Errorf("first contact should create the user row: %v", err)
	}
}

func TestCreateJobEnqueueFailureFailsJob(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	f.dispatcher.err = errors.New("redis down")

	if _, err := f.orch.CreateJob(context.Background(), f.owner, models.CreateJobRequest{Brief: "b"}); err == nil {
		t.Fatal("expected error")
	}
	jobs, _ := f.store.ListJobs(context.Background(), f.owner.ID, models.JobStatusFailed, 0, 0)
	if len(jobs) != 1 || *jobs[0].FailureStage != models.FailureStageGeneration {
		t.Errorf("expected one job failed at GENERATION, got %+v", jobs)
	}
}

func TestStartGenerationEnqueuesMergeOnce(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, f.owner, models.CreateJobRequest{Brief: "b"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.StartGeneration(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same generation message is a no-op.
	if err := f.orch.StartGeneration(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusStitching || len(got.SceneRefs) != 3 || got.StitchingAt == nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(f.dispatcher.merges) != 1 {
		t.Fatalf("expected exactly one merge, got %d", len(f.dispatcher.merges))
	}
	req := f.dispatcher.merges[0]
	if req.OutputKey != storage.FinalKey(job.ID) || req.Bucket != "videos" || *req.CrossfadeSeconds != 0.5 {
		t.Errorf("unexpected merge request: %+v", req)
	}
	for i, s := range req.Scenes {
		if s.SceneIndex != i || s.Location != storage.SceneKey(job.ID, i) || s.Duration != 8 {
			t.Errorf("scene %d: %+v", i, s)
		}
	}
	if len(f.generator.calls) != 3 {
		t.Errorf("generator calls = %v, want 3", f.generator.calls)
	}
}

func TestStartGenerationFailureFailsJob(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	ctx := context.Background()
	f.generator.fail[1] = errors.New("blocked by safety filters")

	job, _ := f.orch.CreateJob(ctx, f.owner, models.CreateJobRequest{Brief: "b"})
	if err := f.orch.StartGeneration(ctx, job.ID); err == nil {
		t.Fatal("expected error")
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusFailed || *got.FailureStage != models.FailureStageGeneration {
		t.Errorf("unexpected job: %+v", got)
	}
	if len(f.dispatcher.merges) != 0 {
		t.Error("failed generation must not merge")
	}
}

func TestStartGenerationResumesMissingScenes(t *testing.T) {
	f := newFixture(t, primary(5, 0))
	ctx := context.Background()
	job, _ := f.orch.CreateJob(ctx, f.owner, models.CreateJobRequest{Brief: "b"})

	f.store.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
	f.store.AppendSceneRef(ctx, job.ID, models.SceneRef{Location: storage.SceneKey(job.ID, 0), SceneIndex: 0, Duration: 8})

	if err := f.orch.StartGeneration(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.generator.calls) != 2 {
		t.Errorf("only missing scenes should be generated, got %v", f.generator.calls)
	}
	if len(f.dispatcher.merges) != 1 {
		t.Errorf("expected one merge, got %d", len(f.dispatcher.merges))
	}
}

// A job flows from admission to DONE; credit is consumed once.
func TestJobLifecycleChargesOnce(t *testing.T) {
	f := newFixture(t, primary(2, 1))
	ctx := context.Background()
	rec := reconciler.New(f.store, "secret")

	job, err := f.orch.CreateJob(ctx, f.owner, models.CreateJobRequest{Scenes: []models.ScenePrompt{{Prompt: "a"}, {Prompt: "b"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.orch.StartGeneration(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(merge.NewCallbackPayload(merge.Outcome{
		JobID:         job.ID,
		Success:       true,
		FinalVideoURL: "https://cdn.example.com/final.mp4",
		FinalVideoKey: storage.FinalKey(job.ID),
		TotalDuration: merge.TotalDuration([]float64{8, 8}, 0.5),
	}, "secret"))
	for i := 0; i < 2; i++ {
		cb, err := reconciler.ParseCallback(body)
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.Apply(ctx, cb); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusDone || *got.TotalDurationSeconds != 16 {
		t.Errorf("unexpected job: %+v", got)
	}
	videos, _ := f.store.ListGeneratedVideos(ctx, f.owner.ID, 0, 0)
	if len(videos) != 1 {
		t.Errorf("expected one generated video, got %d", len(videos))
	}
	credits, _ := f.orch.Credits(ctx, f.owner)
	if credits.Primary.Used != 2 || credits.Primary.Available != 0 {
		t.Errorf("unexpected credits: %+v", credits.Primary)
	}

	// The exhausted pool now rejects admission.
	if _, err := f.orch.CreateJob(ctx, f.owner, models.CreateJobRequest{Brief: "again"}); err == nil {
		t.Error("expected rejection after the pool is spent")
	}
}

func TestCheckPurchase(t *testing.T) {
	f := newFixture(t, primary(30, 10))
	ctx := context.Background()

	available, err := f.orch.CheckPurchase(ctx, f.owner, models.CreditPoolPrimary)
	var lerr *ledger.Error
	if !errors.As(err, &lerr) || lerr.Code != ledger.CodeUnusedCredits || lerr.Available != 20 || available != 20 {
		t.Fatalf("expected unused credits rejection, got %d %v", available, err)
	}
	if available, err := f.orch.CheckPurchase(ctx, f.owner, models.CreditPoolSecondary); err != nil || available != 0 {
		t.Errorf("empty secondary pool should allow purchase, got %d %v", available, err)
	}
}
