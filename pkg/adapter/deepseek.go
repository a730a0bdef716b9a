package adapter

const deepseekBaseURL = "https://api.deepseek.com/v1"

// NewDeepSeekAdapter creates a DeepSeek adapter. DeepSeek uses an
// OpenAI-compatible API format.
func NewDeepSeekAdapter(apiKey, baseURL string) (*OpenAIAdapter, error) {
	if baseURL == "" {
		baseURL = deepseekBaseURL
	}
	return NewOpenAICompatibleAdapter(KindDeepSeek, apiKey, baseURL)
}
