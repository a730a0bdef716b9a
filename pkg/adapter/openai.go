package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

const openAIMaxTokens = 4096

// OpenAIAdapter implements the Adapter interface for OpenAI models and for
// any backend speaking the same wire format.
type OpenAIAdapter struct {
	name   string
	client openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey, baseURL string) (*OpenAIAdapter, error) {
	return NewOpenAICompatibleAdapter(KindOpenAI, apiKey, baseURL)
}

// NewOpenAICompatibleAdapter creates an adapter for an OpenAI-compatible
// endpoint reported under name.
func NewOpenAICompatibleAdapter(name, apiKey, baseURL string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{name: name, client: openai.NewClient(opts...)}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Generate sends a prompt to the chat or image endpoint depending on the
// requested kind.
func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	if kindOf(req) == artifact.KindImage {
		return a.generateImage(ctx, req)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	maxTokens := int64(openAIMaxTokens)
	if v, err := strconv.ParseInt(req.Options["max_tokens"], 10, 64); err == nil && v > 0 {
		maxTokens = v
	}
	if a.name == KindOpenAI {
		params.MaxCompletionTokens = openai.Int(maxTokens)
	} else {
		params.MaxTokens = openai.Int(maxTokens)
	}
	if effort := req.Options["reasoning_effort"]; effort != "" {
		params.ReasoningEffort = openai.ReasoningEffort(effort)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.name)
	}

	usage := &Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	content := resp.Choices[0].Message.Content
	return &Response{Artifact: artifact.New(content, a.name, req.Model), Usage: usage}, nil
}

func (a *OpenAIAdapter) generateImage(ctx context.Context, req Request) (*Response, error) {
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(req.Model),
		N:      openai.Int(1),
	}
	if size := req.Options["size"]; size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}

	resp, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, a.wrap(err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s returned no images", a.name)
	}

	img := resp.Data[0]
	var data []byte
	if img.B64JSON != "" {
		data, err = base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: decode image: %w", a.name, err)
		}
	}
	if len(data) == 0 && img.URL == "" {
		return nil, fmt.Errorf("%s returned an empty image", a.name)
	}
	art := artifact.NewImage(data, "image/png", img.URL, a.name, req.Model)
	if img.RevisedPrompt != "" {
		art = art.WithMetadata("revised_prompt", img.RevisedPrompt)
	}
	return &Response{Artifact: art}, nil
}

func (a *OpenAIAdapter) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return wrapStatus(a.name, apiErr.StatusCode, err)
	}
	return wrapStatus(a.name, 0, err)
}
