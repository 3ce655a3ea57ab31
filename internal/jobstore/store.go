// Package jobstore defines the durable video-job record contract shared by the
// orchestrator, the reconciler and the sweeper.
//
// Every status change is a compare-and-swap on the current status, so two
// concurrent callbacks (or a callback racing the timeout sweeper) can never
// both apply a terminal transition or both charge credit.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("job is not in a state that accepts this write")
	ErrBadTransition = errors.New("transition not permitted")
)

// Completion carries the fields written on STITCHING -> DONE.
type Completion struct {
	FinalVideoURL   string
	FinalVideoKey   *string
	DurationSeconds int
}

type Store interface {
	CreateJob(ctx context.Context, job *models.VideoJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)
	ListJobs(ctx context.Context, ownerID uuid.UUID, status models.JobStatus, limit, offset int) ([]models.VideoJob, error)

	// Transition moves a job along a non-terminal edge if, and only if, its
	// current status equals from. Terminal states are written by CompleteJob
	// and FailJob only.
	Transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus) (bool, error)

	// AppendSceneRef records one scene clip on a PROCESSING job and returns the
	// job as stored afterwards. A second clip for the same scene index is ignored.
	AppendSceneRef(ctx context.Context, id uuid.UUID, ref models.SceneRef) (*models.VideoJob, error)

	// CompleteJob applies STITCHING -> DONE, creates the GeneratedVideo row and
	// charges the owner's pool as one atomic unit. applied is false when the
	// job was not STITCHING (e.g. a duplicate success callback).
	CompleteJob(ctx context.Context, id uuid.UUID, c Completion) (bool, error)

	// FailJob applies X -> FAILED for X in from.
	FailJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, stage, message string) (bool, error)

	GetGeneratedVideo(ctx context.Context, jobID uuid.UUID) (*models.GeneratedVideo, error)
	ListGeneratedVideos(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.GeneratedVideo, error)

	// ListStuckJobs returns jobs in status whose last progress is older than before.
	ListStuckJobs(ctx context.Context, status models.JobStatus, before time.Time) ([]models.VideoJob, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
	// ResetCreditPeriod starts a new billing period for one pool.
	ResetCreditPeriod(ctx context.Context, userID uuid.UUID, pool models.CreditPool, allowed, carryover int, carryoverExpiry *time.Time) error
}
