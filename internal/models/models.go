package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusStitching  JobStatus = "STITCHING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
)

// Failure stage tags recorded on FAILED jobs
const (
	FailureStageGeneration = "GENERATION"
	FailureStageStitching  = "STITCHING"
	FailureStageOperator   = "OPERATOR"
)

type CreditPool string

const (
	CreditPoolPrimary   CreditPool = "primary"   // UGC-style credits
	CreditPoolSecondary CreditPool = "secondary" // manual / Veo credits
)

// SceneRef is one rendered scene clip. It is both the output shape of the
// scene generator and the input shape of the merge worker.
type SceneRef struct {
	Location   string  `json:"location"`
	SceneIndex int     `json:"sceneIndex"`
	Duration   float64 `json:"duration"`
}

// SceneRefs is stored as a JSONB array on the video_jobs row
type SceneRefs []SceneRef

func (s SceneRefs) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *SceneRefs) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	return scanJSON(value, s)
}

func scanJSON(value interface{}, dest interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB value type %T", value)
	}
	return json.Unmarshal(raw, dest)
}

// Has reports whether a clip for the given scene index was already recorded.
func (s SceneRefs) Has(sceneIndex int) bool {
	for _, ref := range s {
		if ref.SceneIndex == sceneIndex {
			return true
		}
	}
	return false
}

// Ordered returns a copy sorted by scene index.
func (s SceneRefs) Ordered() SceneRefs {
	out := make(SceneRefs, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SceneIndex < out[j].SceneIndex })
	return out
}

// ScenePrompts is stored as a JSONB array on the video_jobs row
type ScenePrompts []ScenePrompt

func (p ScenePrompts) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

func (p *ScenePrompts) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	return scanJSON(value, p)
}

// Models

type PoolBalance struct {
	Allowed         int        `json:"allowed"`
	Used            int        `json:"used"`
	Carryover       int        `json:"carryover"`
	CarryoverExpiry *time.Time `json:"carryover_expiry,omitempty"`
}

// CreditAccount is the quota subset of a user record.
type CreditAccount struct {
	Primary   PoolBalance `json:"primary"`
	Secondary PoolBalance `json:"secondary"`
}

// Pool returns the balance for the selected pool.
func (a CreditAccount) Pool(pool CreditPool) PoolBalance {
	if pool == CreditPoolSecondary {
		return a.Secondary
	}
	return a.Primary
}

type User struct {
	ID          uuid.UUID     `json:"id"`
	Email       string        `json:"email"`
	DisplayName *string       `json:"display_name,omitempty"`
	Plan        *string       `json:"plan,omitempty"` // "free", "starter", "pro"
	Credits     CreditAccount `json:"credits"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type VideoJob struct {
	ID                   uuid.UUID    `json:"id"`
	OwnerID              uuid.UUID    `json:"owner_id"`
	OwnerEmail           string       `json:"owner_email"`
	Status               JobStatus    `json:"status"`
	Brief                string       `json:"brief"`
	SceneCount           int          `json:"scene_count"`
	ScenePrompts         ScenePrompts `json:"scene_prompts"`
	SceneRefs            SceneRefs    `json:"scene_refs"`
	CrossfadeSeconds     float64      `json:"crossfade_seconds"`
	CreditPool           CreditPool   `json:"credit_pool"`
	CreditCost           int          `json:"credit_cost"`
	FinalVideoURL        *string      `json:"final_video_url,omitempty"`
	FinalVideoKey        *string      `json:"final_video_key,omitempty"`
	TotalDurationSeconds *int         `json:"total_duration_seconds,omitempty"`
	FailureStage         *string      `json:"failure_stage,omitempty"`
	ErrorMessage         *string      `json:"error_message,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	StitchingAt          *time.Time   `json:"stitching_at,omitempty"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
	FailedAt             *time.Time   `json:"failed_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// GeneratedVideo is the user-facing record of a finished job. Written once.
type GeneratedVideo struct {
	ID              uuid.UUID `json:"id"`
	JobID           uuid.UUID `json:"job_id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	OwnerEmail      string    `json:"owner_email"`
	VideoURL        string    `json:"video_url"`
	VideoKey        *string   `json:"video_key,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	SceneCount      int       `json:"scene_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// DTOs for API requests and responses

type ScenePrompt struct {
	Prompt      string `json:"prompt"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

type CreateJobRequest struct {
	Brief            string        `json:"brief"`
	Scenes           []ScenePrompt `json:"scenes,omitempty"`      // Explicit scene prompts; planned from brief when empty
	SceneCount       *int          `json:"scene_count,omitempty"` // Default: 3 (only used when scenes are planned)
	Pool             *string       `json:"pool,omitempty"`        // "primary" (default) or "secondary"
	CrossfadeSeconds *float64      `json:"crossfade_seconds,omitempty"`
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type ListJobsResponse struct {
	Jobs   []VideoJob `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

type ListVideosResponse struct {
	Videos []GeneratedVideo `json:"videos"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type PoolCreditsResponse struct {
	Allowed      int  `json:"allowed"`
	Used         int  `json:"used"`
	Available    int  `json:"available"`
	HasCarryover bool `json:"has_carryover"`
}

type CreditsResponse struct {
	Primary   PoolCreditsResponse `json:"primary"`
	Secondary PoolCreditsResponse `json:"secondary"`
}

type PlaybackResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

type EligibilityRequest struct {
	Pool *string `json:"pool,omitempty"`
}

type EligibilityResponse struct {
	Eligible  bool `json:"eligible"`
	Available int  `json:"available"`
}

// Operator requests (/internal)

type FailJobRequest struct {
	Reason string `json:"reason"`
}

type ResetCreditsRequest struct {
	Pool            string     `json:"pool"`
	Allowed         int        `json:"allowed"`
	Carryover       int        `json:"carryover"`
	CarryoverExpiry *time.Time `json:"carryover_expiry,omitempty"`
}
