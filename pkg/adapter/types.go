package adapter

import "github.com/zen-systems/modelgate/pkg/artifact"

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost captures normalized cost estimates.
type Cost struct {
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	IsEstimate   bool    `json:"is_estimate"`
	PricingModel string  `json:"pricing_model,omitempty"`
}

// Call results as recorded in a CallReport.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultSkipped = "skipped"
)

// CallReport captures one candidate attempt.
type CallReport struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	BackendModelID string `json:"backend_model_id,omitempty"`
	Result         string `json:"result"`
	Usage          Usage  `json:"usage"`
	Cost           Cost   `json:"cost"`
	Retries        int    `json:"retries"`
	FallbackUsed   bool   `json:"fallback_used"`
	DurationMillis int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// Response wraps an adapter output and optional usage data.
type Response struct {
	Artifact *artifact.Artifact
	Usage    *Usage
}
