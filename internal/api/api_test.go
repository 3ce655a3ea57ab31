package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/orchestrator"
	"github.com/bobarin/adreel/internal/reconciler"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/google/uuid"
)

const (
	jwtSecret = "jwt-secret"
	apiKey    = "operator-key"
)

type stubObjects struct{}

func (stubObjects) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

func (stubObjects) Download(ctx context.Context, key string) ([]byte, error) { return nil, nil }

func (stubObjects) ListPrefix(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func (stubObjects) SignForPlayback(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://cdn.example.com/" + key + "?token=signed", nil
}

func (stubObjects) PublicURL(key string) string { return "https://cdn.example.com/" + key }

func (stubObjects) Bucket() string { return "videos" }

func (s stubObjects) WithBucket(name string) storage.ObjectStore { return s }

type stubGenerator struct{}

func (stubGenerator) GenerateScene(ctx context.Context, spec services.SceneSpec) (*services.GeneratedScene, error) {
	return &services.GeneratedScene{Data: []byte("clip"), MIMEType: "video/mp4", Duration: 6}, nil
}

type stubDispatcher struct{}

func (stubDispatcher) EnqueueGenerateScenes(ctx context.Context, jobID uuid.UUID) error { return nil }

func (stubDispatcher) EnqueueMerge(ctx context.Context, jobID uuid.UUID, payload interface{}) error {
	return nil
}

type testServer struct {
	store  *jobstore.Memory
	orch   *orchestrator.Orchestrator
	router http.Handler
	jwt    *auth.JWT
	user   auth.Identity
}

func newTestServer(t *testing.T, credits models.CreditAccount) *testServer {
	t.Helper()
	store := jobstore.NewMemory()
	user := auth.Identity{UserID: uuid.New(), Email: "owner@example.com"}
	if err := store.UpsertUser(context.Background(), &models.User{ID: user.UserID, Email: user.Email, Credits: credits}); err != nil {
		t.Fatal(err)
	}

	orch := orchestrator.New(store, store, stubObjects{}, stubGenerator{}, nil, stubDispatcher{}, orchestrator.Options{PrimaryJobCost: 1, SecondaryJobCost: 1})
	rec := reconciler.New(store, "callback-secret")
	verifier := auth.NewJWT(jwtSecret)

	router := NewRouter(NewHandler(store, store, stubObjects{}, orch, rec), RouterConfig{
		BackendAPIKey: apiKey,
		Verifier:      verifier,
		Callback:      rec.Handler(),
	})
	return &testServer{store: store, orch: orch, router: router, jwt: verifier, user: user}
}

func (s *testServer) do(t *testing.T, method, path, body string, as *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, err := s.jwt.Sign(*as, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{})
	if rec := s.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUserRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{})
	if rec := s.do(t, http.MethodGet, "/v1/jobs", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token status = %d, want 401", rec.Code)
	}
}

func TestCreateJobFlow(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{Primary: models.PoolBalance{Allowed: 3}})

	rec := s.do(t, http.MethodPost, "/v1/jobs", `{"scenes":[{"prompt":"unboxing"},{"prompt":"close-up"}]}`, &s.user)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.CreateJobResponse
	decode(t, rec, &created)
	if created.Status != models.JobStatusPending {
		t.Errorf("status = %s, want PENDING", created.Status)
	}

	rec = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID.String(), "", &s.user)
	var job models.VideoJob
	decode(t, rec, &job)
	if job.SceneCount != 2 || job.OwnerEmail != s.user.Email {
		t.Errorf("unexpected job: %+v", job)
	}

	// Another user cannot see it.
	stranger := auth.Identity{UserID: uuid.New(), Email: "x@example.com"}
	if rec := s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID.String(), "", &stranger); rec.Code != http.StatusNotFound {
		t.Errorf("foreign job status = %d, want 404", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/jobs?status=PENDING", "", &s.user)
	var list models.ListJobsResponse
	decode(t, rec, &list)
	if len(list.Jobs) != 1 || list.Limit != 20 {
		t.Errorf("unexpected list: %+v", list)
	}

	if rec := s.do(t, http.MethodGet, "/v1/jobs?status=running", "", &s.user); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", rec.Code)
	}
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{Primary: models.PoolBalance{Allowed: 1, Used: 1}})

	rec := s.do(t, http.MethodPost, "/v1/jobs", `{"scenes":[{"prompt":"a"}]}`, &s.user)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["code"] != "insufficient_credits" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestCreateJobWithoutPlannerNeedsScenes(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{Primary: models.PoolBalance{Allowed: 1}})
	if rec := s.do(t, http.MethodPost, "/v1/jobs", `{"brief":"just a brief"}`, &s.user); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/jobs", `{`, &s.user); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}
}

func TestVideoReadPathsAfterCallback(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{Primary: models.PoolBalance{Allowed: 2}})
	ctx := context.Background()

	job, err := s.orch.CreateJob(ctx, orchestrator.Owner{ID: s.user.UserID, Email: s.user.Email}, models.CreateJobRequest{
		Scenes: []models.ScenePrompt{{Prompt: "a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.orch.StartGeneration(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	cb := `{"jobId":"` + job.ID.String() + `","success":true,"finalVideoUrl":"https://cdn.example.com/final.mp4","finalVideoKey":"jobs/final.mp4","totalDuration":6,"secret":"callback-secret"}`
	if rec := s.do(t, http.MethodPost, "/callbacks/merge", cb, nil); rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/v1/videos", "", &s.user)
	var videos models.ListVideosResponse
	decode(t, rec, &videos)
	if len(videos.Videos) != 1 || videos.Videos[0].DurationSeconds != 6 {
		t.Fatalf("unexpected videos: %+v", videos)
	}

	rec = s.do(t, http.MethodGet, "/v1/videos/"+job.ID.String()+"/playback", "", &s.user)
	var playback models.PlaybackResponse
	decode(t, rec, &playback)
	if !strings.HasSuffix(playback.URL, "?token=signed") || playback.ExpiresIn != 3600 {
		t.Errorf("unexpected playback: %+v", playback)
	}

	rec = s.do(t, http.MethodGet, "/v1/credits", "", &s.user)
	var credits models.CreditsResponse
	decode(t, rec, &credits)
	if credits.Primary.Used != 1 || credits.Primary.Available != 1 {
		t.Errorf("unexpected credits: %+v", credits)
	}
}

func TestEligibility(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{
		Primary:   models.PoolBalance{Allowed: 25},
		Secondary: models.PoolBalance{Allowed: 10, Used: 4},
	})

	if rec := s.do(t, http.MethodPost, "/v1/billing/eligibility", `{"pool":"primary"}`, &s.user); rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/v1/billing/eligibility", `{"pool":"secondary"}`, &s.user)
	var resp models.EligibilityResponse
	decode(t, rec, &resp)
	if !resp.Eligible || resp.Available != 6 {
		t.Errorf("nearly spent pool should be eligible with 6 available: %+v", resp)
	}
}

func TestInternalRoutes(t *testing.T) {
	s := newTestServer(t, models.CreditAccount{Primary: models.PoolBalance{Allowed: 1}})
	ctx := context.Background()
	job, err := s.orch.CreateJob(ctx, orchestrator.Owner{ID: s.user.UserID, Email: s.user.Email}, models.CreateJobRequest{
		Scenes: []models.ScenePrompt{{Prompt: "a"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	path := "/internal/jobs/" + job.ID.String() + "/fail"
	if rec := s.do(t, http.MethodPost, path, `{}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}

	operator := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("X-API-Key", apiKey)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec := operator(http.MethodPost, path, `{"reason":"stuck upstream"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fail status = %d: %s", rec.Code, rec.Body.String())
	}
	var failed models.VideoJob
	decode(t, rec, &failed)
	if failed.Status != models.JobStatusFailed || *failed.FailureStage != models.FailureStageOperator {
		t.Errorf("unexpected job: %+v", failed)
	}
	if rec := operator(http.MethodPost, path, `{}`); rec.Code != http.StatusConflict {
		t.Errorf("second fail status = %d, want 409", rec.Code)
	}

	reset := `{"pool":"secondary","allowed":12,"carryover":3,"carryover_expiry":"2099-01-01T00:00:00Z"}`
	if rec := operator(http.MethodPost, "/internal/users/"+s.user.UserID.String()+"/credits/reset", reset); rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d: %s", rec.Code, rec.Body.String())
	}
	u, _ := s.store.GetUser(ctx, s.user.UserID)
	if u.Credits.Secondary.Allowed != 12 || u.Credits.Secondary.Carryover != 3 {
		t.Errorf("unexpected secondary pool: %+v", u.Credits.Secondary)
	}
	if rec := operator(http.MethodPost, "/internal/users/"+uuid.NewString()+"/credits/reset", reset); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
}
