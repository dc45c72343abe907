package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/metrics"
	"agentdesk/internal/trace"

	"github.com/sashabaranov/go-openai"
)

// OpenAI implements domain.CompletionProvider for OpenAI-compatible chat
// completion APIs. The bearer key travels with each request, so one OpenAI
// value serves every agent; a go-openai client is cached per key.
type OpenAI struct {
	apiBase string
	model   string
	client  *http.Client
	limiter *RateLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

type OpenAIConfig struct {
	APIBase     string
	Model       string
	HTTPClient  *http.Client // default: SharedHTTPClient(30s)
	RateLimiter *RateLimiter // optional
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  cfg.HTTPClient,
		limiter: cfg.RateLimiter,
		logger:  cfg.Logger,
		clients: make(map[string]*openai.Client),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) clientFor(apiKey string) *openai.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.clients[apiKey]; ok {
		return c
	}
	cc := openai.DefaultConfig(apiKey)
	cc.BaseURL = o.apiBase
	cc.HTTPClient = o.client
	c := openai.NewClientWithConfig(cc)
	o.clients[apiKey] = c
	return c
}

// Complete sends one chat completion. Any failure, including an empty
// choice, is wrapped in domain.ErrUpstreamUnavailable. There is no retry.
func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	ctx, span := trace.StartSpan(ctx, trace.SpanLLM,
		trace.AttrModel.String(model), trace.AttrMaxTokens.Int(req.MaxTokens))
	defer span.End()

	resp, err := o.complete(ctx, model, req)
	if err != nil {
		metrics.LLMErrorsTotal.Inc()
		trace.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		trace.AttrTokensIn.Int(resp.Usage.PromptTokens),
		trace.AttrTokensOut.Int(resp.Usage.CompletionTokens),
	)
	return resp, nil
}

func (o *OpenAI) complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: no completion API key configured", domain.ErrUpstreamUnavailable)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", domain.ErrUpstreamUnavailable, err)
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	metrics.LLMRequestsTotal.Inc()
	start := time.Now()
	resp, err := o.clientFor(req.APIKey).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: wireTemperature(req.Temperature),
	})
	latency := time.Since(start)
	metrics.LLMLatency.Observe(latency.Seconds())
	if err != nil {
		o.logger.Warn("completion request failed", "model", model, "latency_ms", latency.Milliseconds(),
			"status", statusCode(err), "err", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: empty completion", domain.ErrUpstreamUnavailable)
	}

	o.logger.Debug("completion", "model", resp.Model, "latency_ms", latency.Milliseconds(),
		"tokens_in", resp.Usage.PromptTokens, "tokens_out", resp.Usage.CompletionTokens)

	return &domain.CompletionResponse{
		Content:      strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// Healthy lists models with apiKey to check reachability and credentials.
func (o *OpenAI) Healthy(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("no API key")
	}
	if _, err := o.clientFor(apiKey).ListModels(ctx); err != nil {
		if statusCode(err) == http.StatusUnauthorized {
			return fmt.Errorf("openai: invalid API key")
		}
		return fmt.Errorf("openai not reachable: %w", err)
	}
	return nil
}

// statusCode extracts the HTTP status from a go-openai error, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// wireTemperature maps 0 to the smallest positive float32, since the client
// omits a zero temperature and the API would then apply its own default.
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
