package domain

import "context"

// ChatMessage is one entry of a completion request.
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages    []ChatMessage
	Model       string // empty uses the provider default
	MaxTokens   int
	Temperature float64
	APIKey      string // bearer key resolved per request
}

type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionProvider is implemented by chat-completion backends.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Audio is a synthesized speech payload.
type Audio struct {
	Data        []byte
	ContentType string
}

// Synthesizer converts reply text to speech.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice VoiceConfig) (*Audio, error)
}
