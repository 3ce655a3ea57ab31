package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

// Memory is a process-local Store and UserStore. It backs the tests and
// single-node development runs without Postgres.
type Memory struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.VideoJob
	videos map[uuid.UUID]*models.GeneratedVideo // keyed by job id
	users  map[uuid.UUID]*models.User
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[uuid.UUID]*models.VideoJob),
		videos: make(map[uuid.UUID]*models.GeneratedVideo),
		users:  make(map[uuid.UUID]*models.User),
		now:    time.Now,
	}
}

// SetClock replaces the time source used to stamp writes.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyJob(j *models.VideoJob) *models.VideoJob {
	cp := *j
	if j.SceneRefs != nil {
		cp.SceneRefs = make(models.SceneRefs, len(j.SceneRefs))
		copy(cp.SceneRefs, j.SceneRefs)
	}
	if j.ScenePrompts != nil {
		cp.ScenePrompts = make(models.ScenePrompts, len(j.ScenePrompts))
		copy(cp.ScenePrompts, j.ScenePrompts)
	}
	return &cp
}

func (m *Memory) CreateJob(ctx context.Context, job *models.VideoJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := m.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, ownerID uuid.UUID, status models.JobStatus, limit, offset int) ([]models.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.VideoJob
	for _, j := range m.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *Memory) Transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus) (bool, error) {
	if to.IsTerminal() || !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != from {
		return false, nil
	}
	now := m.now()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusStitching {
		j.StitchingAt = &now
	}
	return true, nil
}

func (m *Memory) AppendSceneRef(ctx context.Context, id uuid.UUID, ref models.SceneRef) (*models.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.JobStatusProcessing {
		return nil, fmt.Errorf("%w: scene append on %s job", ErrInvalidState, j.Status)
	}
	if !j.SceneRefs.Has(ref.SceneIndex) {
		j.SceneRefs = append(j.SceneRefs, ref)
		j.UpdatedAt = m.now()
	}
	return copyJob(j), nil
}

func (m *Memory) CompleteJob(ctx context.Context, id uuid.UUID, c Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusStitching {
		return false, nil
	}

	now := m.now()
	url := c.FinalVideoURL
	duration := c.DurationSeconds
	j.Status = models.JobStatusDone
	j.FinalVideoURL = &url
	j.FinalVideoKey = c.FinalVideoKey
	j.TotalDurationSeconds = &duration
	j.CompletedAt = &now
	j.UpdatedAt = now

	if _, exists := m.videos[id]; !exists {
		m.videos[id] = &models.GeneratedVideo{
			ID:              uuid.New(),
			JobID:           j.ID,
			OwnerID:         j.OwnerID,
			OwnerEmail:      j.OwnerEmail,
			VideoURL:        url,
			VideoKey:        c.FinalVideoKey,
			DurationSeconds: duration,
			SceneCount:      j.SceneCount,
			CreatedAt:       now,
		}
	}

	if u, ok := m.users[j.OwnerID]; ok && j.CreditCost > 0 {
		if j.CreditPool == models.CreditPoolSecondary {
			u.Credits.Secondary.Used += j.CreditCost
		} else {
			u.Credits.Primary.Used += j.CreditCost
		}
		u.UpdatedAt = now
	}
	return true, nil
}

func (m *Memory) FailJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, stage, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if j.Status == s && models.CanTransition(s, models.JobStatusFailed) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	now := m.now()
	j.Status = models.JobStatusFailed
	j.FailureStage = &stage
	j.ErrorMessage = &message
	j.FailedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) GetGeneratedVideo(ctx context.Context, jobID uuid.UUID) (*models.GeneratedVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) ListGeneratedVideos(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.GeneratedVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.GeneratedVideo
	for _, v := range m.videos {
		if v.OwnerID == ownerID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *Memory) ListStuckJobs(ctx context.Context, status models.JobStatus, before time.Time) ([]models.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.VideoJob
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		since := j.UpdatedAt
		if status == models.JobStatusStitching && j.StitchingAt != nil {
			since = *j.StitchingAt
		}
		if since.Before(before) {
			out = append(out, *copyJob(j))
		}
	}
	return out, nil
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpsertUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.users[user.ID]; ok {
		existing.Email = user.Email
		if user.DisplayName != nil {
			existing.DisplayName = user.DisplayName
		}
		existing.UpdatedAt = now
		*user = *existing
		return nil
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *Memory) ResetCreditPeriod(ctx context.Context, userID uuid.UUID, pool models.CreditPool, allowed, carryover int, carryoverExpiry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	bal := models.PoolBalance{Allowed: allowed, Carryover: carryover, CarryoverExpiry: carryoverExpiry}
	if pool == models.CreditPoolSecondary {
		u.Credits.Secondary = bal
	} else {
		u.Credits.Primary = bal
	}
	u.UpdatedAt = m.now()
	return nil
}

// Snapshot serializes the whole store deterministically, for debugging and
// for asserting that a rejected write left no trace.
func (m *Memory) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*models.VideoJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID.String() < jobs[b].ID.String() })

	videos := make([]*models.GeneratedVideo, 0, len(m.videos))
	for _, v := range m.videos {
		videos = append(videos, v)
	}
	sort.Slice(videos, func(a, b int) bool { return videos[a].JobID.String() < videos[b].JobID.String() })

	users := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(a, b int) bool { return users[a].ID.String() < users[b].ID.String() })

	return json.Marshal(struct {
		Jobs   []*models.VideoJob       `json:"jobs"`
		Videos []*models.GeneratedVideo `json:"videos"`
		Users  []*models.User           `json:"users"`
	}{jobs, videos, users})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
