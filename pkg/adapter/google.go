package adapter

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(ctx context.Context, apiKey, baseURL string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return KindGoogle
}

// Generate sends a prompt to Gemini. Image requests ask for an IMAGE
// modality and return the first inline image part.
func (a *GoogleAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	var cfg *genai.GenerateContentConfig
	if kindOf(req) == artifact.KindImage {
		cfg = &genai.GenerateContentConfig{ResponseModalities: []string{"IMAGE", "TEXT"}}
	}

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, wrapStatus("google", apiErr.Code, err)
		}
		return nil, wrapStatus("google", 0, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	var usage *Usage
	if md := resp.UsageMetadata; md != nil {
		usage = &Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.InlineData != nil && kindOf(req) == artifact.KindImage {
				art := artifact.NewImage(part.InlineData.Data, part.InlineData.MIMEType, "", a.Name(), req.Model)
				return &Response{Artifact: art, Usage: usage}, nil
			}
			if part.Text != "" {
				content += part.Text
			}
		}
	}
	if kindOf(req) == artifact.KindImage {
		return nil, fmt.Errorf("google returned no image data")
	}

	return &Response{Artifact: artifact.New(content, a.Name(), req.Model), Usage: usage}, nil
}
