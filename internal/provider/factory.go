package provider

import (
	"log/slog"
	"time"

	"agentdesk/internal/config"
	"agentdesk/internal/domain"
)

// NewCompletionFromConfig builds the completion provider with its rate limiter.
func NewCompletionFromConfig(cfg config.CompletionConfig, logger *slog.Logger) *OpenAI {
	outer := time.Duration(max(cfg.VoiceTimeoutMs, cfg.ChatTimeoutMs))*time.Millisecond + 5*time.Second
	return NewOpenAI(OpenAIConfig{
		APIBase:     cfg.APIBase,
		Model:       cfg.Model,
		HTTPClient:  SharedHTTPClient(outer),
		RateLimiter: NewRateLimiter(cfg.RateLimitBurst, float64(cfg.RateLimitPerMinute)),
		Logger:      logger,
	})
}

// NewSynthesizerFromConfig builds the speech backend, or nil when disabled.
func NewSynthesizerFromConfig(cfg config.SpeechConfig, logger *slog.Logger) (domain.Synthesizer, error) {
	return NewSynthesizer(TTSConfig{
		Provider:        cfg.Provider,
		APIBase:         cfg.APIBase,
		APIKey:          cfg.APIKey,
		Model:           cfg.Model,
		DefaultVoiceID:  cfg.DefaultVoiceID,
		Stability:       cfg.Stability,
		SimilarityBoost: cfg.SimilarityBoost,
		Speed:           cfg.Speed,
		Timeout:         time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Logger:          logger,
	})
}
