package services

import (
	"context"

	"github.com/bobarin/adreel/internal/models"
)

// SceneSpec is one scene to render.
type SceneSpec struct {
	Index       int
	Prompt      string
	DurationSec int
}

// GeneratedScene is a rendered clip before it is stored.
type GeneratedScene struct {
	Data     []byte
	MIMEType string
	Duration float64 // seconds
}

// SceneGenerator renders a single scene clip.
type SceneGenerator interface {
	GenerateScene(ctx context.Context, spec SceneSpec) (*GeneratedScene, error)
}

// ScenePlanner turns a product brief into scene prompts.
type ScenePlanner interface {
	PlanScenes(ctx context.Context, brief string, count int) ([]models.ScenePrompt, error)
}
