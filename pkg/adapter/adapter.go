package adapter

import (
	"context"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

// Request is one inference call against a concrete backend model.
type Request struct {
	// Model is the backend model id, not the routing key.
	Model   string
	Prompt  string
	Kind    artifact.Kind
	Task    string
	Options map[string]string
}

// Adapter defines the interface for provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns an artifact.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string
}

// Provider kinds understood by the registry.
const (
	KindAnthropic        = "anthropic"
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai_compatible"
	KindDeepSeek         = "deepseek"
	KindGoogle           = "google"
	KindMock             = "mock"
	KindLocal            = "local"
)

func kindOf(req Request) artifact.Kind {
	if req.Kind == "" {
		return artifact.KindText
	}
	return req.Kind
}
