// Package generation defines the content generation backends called behind
// the paid operation runner.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	mockImageURL            = "https://placehold.co/1024x1024/png?text=Mock+SDXL+Image"
	shortAssetTextThreshold = 300
	regenerateNote          = "Regenerated with fresh variation"

	suggestionCTA         = "Add a stronger CTA above the fold to increase click-through rate."
	suggestionValueDetail = "Expand value proposition details to reduce ambiguity and boost trust."
	suggestionSocialProof = "Include a testimonial or trust badge section for conversion confidence."
	suggestionABTest      = "A/B test headline variants with quantified outcomes."
)

var (
	// ErrInvalidRequest reports a request the generator cannot act on.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrGeneratorUnavailable wraps upstream provider failures.
	ErrGeneratorUnavailable = errors.New("generator unavailable")
)

// TextRequest asks for marketing copy.
type TextRequest struct {
	CampaignID int64  `json:"campaign_id"`
	Prompt     string `json:"prompt"`
	Tone       string `json:"tone"`
	Channel    string `json:"channel"`
}

// ImageRequest asks for a campaign image.
type ImageRequest struct {
	CampaignID int64  `json:"campaign_id"`
	Prompt     string `json:"prompt"`
	Style      string `json:"style"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ImageResult is a generated image location.
type ImageResult struct {
	CampaignID int64  `json:"campaign_id"`
	ImageURL   string `json:"image_url"`
}

// RegenerateResult carries a regenerated asset context.
type RegenerateResult struct {
	Regenerated string `json:"regenerated"`
	Note        string `json:"note"`
}

// Generator produces content for the AI endpoints.
type Generator interface {
	GenerateText(ctx context.Context, request TextRequest) (string, error)
	GenerateImage(ctx context.Context, request ImageRequest) (ImageResult, error)
	Refine(ctx context.Context, content string, instruction string) (string, error)
	Regenerate(ctx context.Context, assetContext map[string]interface{}) (RegenerateResult, error)
	Suggestions(ctx context.Context, assetText string) ([]string, error)
}

// Normalize fills request defaults and rejects an empty prompt.
func (request *TextRequest) Normalize() error {
	request.Prompt = strings.TrimSpace(request.Prompt)
	if request.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Tone) == "" {
		request.Tone = "professional"
	}
	if strings.TrimSpace(request.Channel) == "" {
		request.Channel = "landing_page"
	}
	return nil
}

// Normalize fills request defaults and rejects an empty prompt or bad size.
func (request *ImageRequest) Normalize() error {
	request.Prompt = strings.TrimSpace(request.Prompt)
	if request.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Style) == "" {
		request.Style = "modern"
	}
	if request.Width == 0 {
		request.Width = 1024
	}
	if request.Height == 0 {
		request.Height = 1024
	}
	if request.Width < 0 || request.Height < 0 {
		return fmt.Errorf("%w: image size must be positive", ErrInvalidRequest)
	}
	return nil
}

// MockGenerator returns deterministic content without calling a provider.
type MockGenerator struct{}

// NewMockGenerator returns the offline generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

func (generator *MockGenerator) GenerateText(ctx context.Context, request TextRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := request.Normalize(); err != nil {
		return "", err
	}
	return "[Mocked response] " + request.Prompt, nil
}

func (generator *MockGenerator) GenerateImage(ctx context.Context, request ImageRequest) (ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return ImageResult{}, err
	}
	if err := request.Normalize(); err != nil {
		return ImageResult{}, err
	}
	return ImageResult{CampaignID: request.CampaignID, ImageURL: mockImageURL}, nil
}

func (generator *MockGenerator) Refine(ctx context.Context, content string, instruction string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: instruction is required", ErrInvalidRequest)
	}
	return content + "\n\n[Refine instruction applied]: " + instruction, nil
}

func (generator *MockGenerator) Regenerate(ctx context.Context, assetContext map[string]interface{}) (RegenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return RegenerateResult{}, err
	}
	encoded, err := json.Marshal(assetContext)
	if err != nil {
		return RegenerateResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return RegenerateResult{Regenerated: string(encoded), Note: regenerateNote}, nil
}

// Suggestions applies fixed copywriting heuristics to assetText.
func (generator *MockGenerator) Suggestions(ctx context.Context, assetText string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(assetText)
	suggestions := make([]string, 0, 3)
	if !strings.Contains(text, "cta") {
		suggestions = append(suggestions, suggestionCTA)
	}
	if len(text) < shortAssetTextThreshold {
		suggestions = append(suggestions, suggestionValueDetail)
	}
	if !strings.Contains(text, "social proof") && !strings.Contains(text, "testimonial") {
		suggestions = append(suggestions, suggestionSocialProof)
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, suggestionABTest)
	}
	return suggestions, nil
}
