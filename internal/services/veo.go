package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo 3.1 scene generation
// Text-to-video with native audio, one clip per scene.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 6 * time.Minute // Max time to wait for a single clip

	// Veo accepts 4, 6 or 8 second clips
	veoMinDuration     = 4
	veoMaxDuration     = 8
	veoDefaultDuration = 8
)

// VeoService renders scene clips via Google's Veo model.
type VeoService struct {
	apiKey       string
	model        string
	pollInterval time.Duration
}

// NewVeoService creates a new Veo scene generator.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey:       apiKey,
		model:        model,
		pollInterval: veoPollInterval,
	}
}

// buildVeoPrompt wraps the planner's scene prompt with direction that keeps
// clips consistent across one ad and leaves a clean end for trimming.
func buildVeoPrompt(rawPrompt string) string {
	return fmt.Sprintf(`%s

Format: vertical 9:16 short-form marketing video, one continuous shot.

Style direction: bright, clean commercial look with natural lighting. Keep the product clearly visible and in focus. Keep colour grading consistent so this shot can sit next to other shots from the same ad.

Audio direction: any voiceover is short, clear and finishes before the end of the clip. No background music.

Avoid: on-screen text, logos other than the product's own, jump cuts, morphing, distorted hands or faces.`, strings.TrimSpace(rawPrompt))
}

// clampVeoDuration snaps a requested length onto the durations Veo supports.
func clampVeoDuration(sec int) int {
	switch {
	case sec <= 0:
		return veoDefaultDuration
	case sec <= veoMinDuration:
		return veoMinDuration
	case sec <= 6:
		return 6
	default:
		return veoMaxDuration
	}
}

// GenerateScene renders one scene and blocks until the clip is downloaded.
// The long-running operation is polled for up to veoMaxPollDuration.
func (s *VeoService) GenerateScene(ctx context.Context, spec SceneSpec) (*GeneratedScene, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	duration := clampVeoDuration(spec.DurationSec)
	prompt := buildVeoPrompt(spec.Prompt)

	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		Resolution:       "1080p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		DurationSeconds:  genai.Ptr[int32](int32(duration)),
	}

	log.Printf("[Veo] Scene %d: starting generation (model=%s, duration=%ds, promptLen=%d)", spec.Index, s.model, duration, len(prompt))

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, nil, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	// Poll until done, cancelled, or timed out
	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("scene %d generation timed out after %v (polled %d times)", spec.Index, veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("scene %d generation cancelled: %w", spec.Index, ctx.Err())
		case <-time.After(s.pollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}

	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}

	// Responsible-AI filtering
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("scene %d blocked by safety filters: %s", spec.Index, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no video in response for scene %d", spec.Index)
	}

	video := operation.Response.GeneratedVideos[0].Video
	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video for scene %d is empty", spec.Index)
	}

	mimeType := video.MIMEType
	if mimeType == "" {
		mimeType = "video/mp4"
	}

	log.Printf("[Veo] Scene %d ready (%d bytes, %d polls)", spec.Index, len(data), pollCount)

	return &GeneratedScene{
		Data:     data,
		MIMEType: mimeType,
		Duration: float64(duration),
	}, nil
}
