package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/metrics"
	"agentdesk/internal/trace"
)

const (
	elevenLabsDefaultBase  = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_multilingual_v2"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"

	openAITTSDefaultModel = "tts-1"
	openAITTSDefaultVoice = "alloy"

	maxAudioBytes = 10 << 20
)

// TTSConfig configures a speech synthesizer.
type TTSConfig struct {
	Provider        string // "elevenlabs" | "openai"
	APIBase         string
	APIKey          string
	Model           string
	DefaultVoiceID  string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
	Timeout         time.Duration // per call (default: 4s)
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// NewSynthesizer builds the configured backend. It returns nil when the
// provider is "none" or no key is set; callers then use native <Say>.
func NewSynthesizer(cfg TTSConfig) (domain.Synthesizer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout + time.Second)
	}
	if cfg.Provider == "none" || cfg.Provider == "" || cfg.APIKey == "" {
		cfg.Logger.Info("speech synthesis disabled, voice replies use native <Say>", "provider", cfg.Provider)
		return nil, nil
	}

	switch cfg.Provider {
	case "elevenlabs":
		return newElevenLabs(cfg), nil
	case "openai":
		return newOpenAITTS(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", cfg.Provider)
	}
}

// ElevenLabs synthesizes MP3 speech through the ElevenLabs REST API.
type ElevenLabs struct {
	apiBase         string
	apiKey          string
	model           string
	defaultVoice    string
	stability       float64
	similarityBoost float64
	speed           float64
	timeout         time.Duration
	client          *http.Client
	logger          *slog.Logger
}

func newElevenLabs(cfg TTSConfig) *ElevenLabs {
	el := &ElevenLabs{
		apiBase:         strings.TrimRight(cfg.APIBase, "/"),
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		defaultVoice:    cfg.DefaultVoiceID,
		stability:       cfg.Stability,
		similarityBoost: cfg.SimilarityBoost,
		speed:           cfg.Speed,
		timeout:         cfg.Timeout,
		client:          cfg.HTTPClient,
		logger:          cfg.Logger,
	}
	if el.apiBase == "" {
		el.apiBase = elevenLabsDefaultBase
	}
	if el.model == "" {
		el.model = elevenLabsDefaultModel
	}
	if el.defaultVoice == "" {
		el.defaultVoice = elevenLabsDefaultVoice
	}
	if el.stability == 0 {
		el.stability = 0.5
	}
	if el.similarityBoost == 0 {
		el.similarityBoost = 0.75
	}
	if el.speed == 0 {
		el.speed = 1.0
	}
	return el
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	LanguageCode  string                  `json:"language_code,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string, voice domain.VoiceConfig) (*domain.Audio, error) {
	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = e.defaultVoice
	}
	speed := voice.Speed
	if speed == 0 {
		speed = e.speed
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:         text,
		ModelID:      e.model,
		LanguageCode: languageCode(voice.Language),
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.similarityBoost,
			Speed:           clampSpeed(speed),
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_22050_32", e.apiBase, url.PathEscape(voiceID))
	headers := map[string]string{"xi-api-key": e.apiKey, "Accept": "audio/mpeg"}
	return synthesize(ctx, e.client, e.timeout, e.Name(), endpoint, headers, body, "audio/mpeg", e.logger)
}

// OpenAITTS synthesizes MP3 speech through the OpenAI /audio/speech endpoint.
type OpenAITTS struct {
	apiBase      string
	apiKey       string
	model        string
	defaultVoice string
	speed        float64
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

func newOpenAITTS(cfg TTSConfig) *OpenAITTS {
	o := &OpenAITTS{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		defaultVoice: cfg.DefaultVoiceID,
		speed:        cfg.Speed,
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
	if o.apiBase == "" {
		o.apiBase = "https://api.openai.com/v1"
	}
	if o.model == "" {
		o.model = openAITTSDefaultModel
	}
	if o.defaultVoice == "" || len(o.defaultVoice) > 12 {
		// ElevenLabs voice ids are long opaque strings; OpenAI voices are short names.
		o.defaultVoice = openAITTSDefaultVoice
	}
	if o.speed == 0 {
		o.speed = 1.0
	}
	return o
}

func (o *OpenAITTS) Name() string { return "openai" }

type openAITTSRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

func (o *OpenAITTS) Synthesize(ctx context.Context, text string, voice domain.VoiceConfig) (*domain.Audio, error) {
	voiceID := voice.VoiceID
	if voiceID == "" || len(voiceID) > 12 {
		voiceID = o.defaultVoice
	}
	speed := voice.Speed
	if speed == 0 {
		speed = o.speed
	}

	body, err := json.Marshal(openAITTSRequest{
		Model:          o.model,
		Input:          text,
		Voice:          voiceID,
		ResponseFormat: "mp3",
		Speed:          speed,
	})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	return synthesize(ctx, o.client, o.timeout, o.Name(), o.apiBase+"/audio/speech", headers, body, "audio/mpeg", o.logger)
}

// synthesize posts a JSON body and reads back an audio payload, retrying
// transient failures once. Non-2xx responses, transport errors, timeouts and
// empty bodies are all domain.ErrUpstreamUnavailable.
func synthesize(ctx context.Context, client *http.Client, timeout time.Duration, name, endpoint string,
	headers map[string]string, body []byte, fallbackType string, logger *slog.Logger) (*domain.Audio, error) {

	ctx, span := trace.StartSpan(ctx, trace.SpanTTS, trace.AttrTTSProvider.String(name))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metrics.TTSRequestsTotal.Inc()
	start := time.Now()
	defer metrics.TTSLatency.ObserveSince(start)

	audio, err := func() (*domain.Audio, error) {
		resp, err := doWithRetry(ctx, client, speechRetry, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			return req, nil
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %s request: %w", domain.ErrUpstreamUnavailable, name, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %s read: %w", domain.ErrUpstreamUnavailable, name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %s status %d: %s", domain.ErrUpstreamUnavailable, name, resp.StatusCode, truncate(string(data), 200))
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s returned no audio", domain.ErrUpstreamUnavailable, name)
		}

		contentType := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "audio/") {
			contentType = fallbackType
		}
		return &domain.Audio{Data: data, ContentType: contentType}, nil
	}()
	if err != nil {
		trace.RecordError(span, err)
		logger.Warn("speech synthesis failed", "provider", name, "latency_ms", time.Since(start).Milliseconds(), "err", err)
		return nil, err
	}

	span.SetAttributes(trace.AttrAudioBytes.Int(len(audio.Data)))
	logger.Debug("speech synthesized", "provider", name, "bytes", len(audio.Data),
		"latency_ms", time.Since(start).Milliseconds())
	return audio, nil
}

// languageCode reduces a BCP-47 tag such as "en-US" to "en".
func languageCode(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func clampSpeed(s float64) float64 {
	switch {
	case s < 0.7:
		return 0.7
	case s > 1.2:
		return 1.2
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
