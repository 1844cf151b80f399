package gateway

// Well-known model identifiers on the gateway.
const (
	ModelGPT4o          = "openai/gpt-4o"
	ModelGPT4oMini      = "openai/gpt-4o-mini"
	ModelO3Mini         = "openai/o3-mini"
	ModelClaudeSonnet   = "anthropic/claude-sonnet-4"
	ModelClaude35Haiku  = "anthropic/claude-3.5-haiku"
	ModelGemini25Pro    = "google/gemini-2.5-pro"
	ModelGemini25Flash  = "google/gemini-2.5-flash"
	ModelLlama3370B     = "meta-llama/llama-3.3-70b-instruct"
	ModelMistralLarge   = "mistralai/mistral-large"
	ModelDeepSeekChat   = "deepseek/deepseek-chat"
	ModelQwen25Coder32B = "qwen/qwen-2.5-coder-32b-instruct"
	ModelAuto           = "openrouter/auto"

	DefaultModel = ModelGPT4oMini
)

// ModelInfo describes one entry of the models listing.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	ContextLength int          `json:"context_length,omitempty"`
	Pricing       ModelPricing `json:"pricing"`
}

// ModelPricing holds per-token prices as decimal strings, as the gateway
// reports them.
type ModelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}
