package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/adreel/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	plannerModel = "gpt-5-mini"
	maxLogLen    = 2000
)

// OpenAIService plans ad scenes from a product brief.
type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// NewOpenAIServiceWithClient is used when the caller needs a custom base URL
// or HTTP client.
func NewOpenAIServiceWithClient(cfg openai.ClientConfig) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
	}
}

type scenePlan struct {
	Scenes []models.ScenePrompt `json:"scenes"`
}

// PlanScenes asks the model for exactly count scene prompts in JSON mode.
func (s *OpenAIService) PlanScenes(ctx context.Context, brief string, count int) ([]models.ScenePrompt, error) {
	if strings.TrimSpace(brief) == "" {
		return nil, fmt.Errorf("brief is empty")
	}
	if count < 1 {
		return nil, fmt.Errorf("scene count must be at least 1")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: plannerModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildPlannerSystemPrompt(count),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: brief,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	scenes, err := parseScenePlan(raw, count)
	if err != nil {
		log.Printf("[OpenAI plan] %v; raw response: %s", err, truncateString(raw, maxLogLen))
		return nil, err
	}

	log.Printf("[OpenAI plan] planned %d scenes", len(scenes))
	return scenes, nil
}

func parseScenePlan(raw string, count int) ([]models.ScenePrompt, error) {
	var plan scenePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Scenes) != count {
		return nil, fmt.Errorf("plan has %d scenes, want %d", len(plan.Scenes), count)
	}
	for i, scene := range plan.Scenes {
		if strings.TrimSpace(scene.Prompt) == "" {
			return nil, fmt.Errorf("scene %d has no prompt", i)
		}
	}
	return plan.Scenes, nil
}

func buildPlannerSystemPrompt(count int) string {
	return fmt.Sprintf(`You are a creative director writing short vertical video ads.

Split the product brief into exactly %d consecutive scenes that together form one ad:
a hook, the product in use, and a closing call to action.

Each scene is rendered independently by a text-to-video model, so every prompt must
fully describe its shot: subject, setting, camera, action and any spoken line.
Spoken lines must be short enough to finish well before the end of the shot.

Respond with JSON only, in this shape:
{"scenes": [{"prompt": "...", "duration_sec": 8}]}

duration_sec is 4, 6 or 8.`, count)
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
