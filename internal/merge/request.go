// Package merge turns a job's scene clips into one video: download, trim the
// trailing silence of each clip, crossfade them in scene order, upload, and
// report the outcome back to the API.
package merge

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

// Request is the payload carried on the merge queue.
type Request struct {
	JobID            uuid.UUID         `json:"jobId"`
	Bucket           string            `json:"bucket,omitempty"`
	Scenes           []models.SceneRef `json:"scenes"`
	OutputKey        string            `json:"outputKey"`
	CrossfadeSeconds *float64          `json:"crossfadeSeconds,omitempty"`
}

func (r Request) Validate() error {
	if r.JobID == uuid.Nil {
		return errors.New("jobId is required")
	}
	if len(r.Scenes) == 0 {
		return errors.New("at least one scene is required")
	}
	if strings.TrimSpace(r.OutputKey) == "" {
		return errors.New("outputKey is required")
	}
	seen := make(map[int]bool, len(r.Scenes))
	for _, s := range r.Scenes {
		if strings.TrimSpace(s.Location) == "" {
			return fmt.Errorf("scene %d has no location", s.SceneIndex)
		}
		if seen[s.SceneIndex] {
			return fmt.Errorf("scene index %d appears twice", s.SceneIndex)
		}
		seen[s.SceneIndex] = true
	}
	if r.CrossfadeSeconds != nil && *r.CrossfadeSeconds < 0 {
		return errors.New("crossfadeSeconds must not be negative")
	}
	return nil
}

// Stage names the pipeline step a merge failed in.
type Stage string

const (
	StageDownload      Stage = "DOWNLOAD"
	StageSilenceDetect Stage = "SILENCE_DETECT"
	StageTrim          Stage = "TRIM"
	StageMerge         Stage = "MERGE"
	StageUpload        Stage = "UPLOAD"
	StageTimeout       Stage = "TIMEOUT"
)

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, format string, args ...interface{}) *StageError {
	return &StageError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Outcome is what a merge run reports. Exactly one of FinalVideoURL and
// Error is meaningful, selected by Success.
type Outcome struct {
	JobID         uuid.UUID
	Success       bool
	FinalVideoURL string
	FinalVideoKey string
	TotalDuration float64 // seconds, unrounded
	Stage         Stage
	Error         string
}

func succeeded(jobID uuid.UUID, url, key string, total float64) Outcome {
	return Outcome{JobID: jobID, Success: true, FinalVideoURL: url, FinalVideoKey: key, TotalDuration: total}
}

func failed(jobID uuid.UUID, err *StageError) Outcome {
	return Outcome{JobID: jobID, Stage: err.Stage, Error: err.Error()}
}

// RoundSeconds is the one rounding rule for stored video durations: nearest
// whole second, halves away from zero. Negative input yields 0. The worker
// reports the exact length; only the reconciler rounds.
func RoundSeconds(seconds float64) int {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int(math.Round(seconds))
}

// TotalDuration is the length of clips joined with n-1 overlapping fades.
func TotalDuration(trimmed []float64, fade float64) float64 {
	if len(trimmed) == 0 {
		return 0
	}
	var sum float64
	for _, d := range trimmed {
		sum += d
	}
	return sum - float64(len(trimmed)-1)*fade
}
