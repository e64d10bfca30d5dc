package domain

// ChatMessage is the provider-agnostic chat message shape sent upstream.
// Timestamps are stripped before a log is projected into this form.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions carries per-request provider hints.
type CompletionOptions struct {
	ReasoningEffort string
}

// Usage reports token accounting supplied by a provider, when available.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Completion is the result of a non-streaming completion call.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}
