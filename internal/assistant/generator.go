package assistant

//go:generate mockgen -package=mocks -destination=mocks/mock_generator.go github.com/MarcoPoloResearchLab/codecollab/internal/assistant ContentGenerator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// ContentGenerator produces a JSON document for a prompt.
type ContentGenerator interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// GeminiConfig configures the Gemini API generator.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiGenerator calls the Gemini API through the Google Gen AI SDK.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a generator bound to the Gemini API backend.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("assistant: api key required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("assistant: failed to create client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

// GenerateJSON asks the model for a JSON response and returns its text.
func (g *GeminiGenerator) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	response, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return response.Text(), nil
}
