// Package orchestrator runs one conversation turn: resolve the effective
// configuration, pull knowledge context, generate a reply and, for voice,
// synthesize it. Channel adapters call into Pipeline and only render.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"agentdesk/internal/domain"
)

const (
	defaultTemperature       = 0.7
	defaultVoiceMaxTokens    = 150
	defaultChatMaxTokens     = 500
	defaultVoiceMaxSentences = 3
	defaultVoiceMaxChars     = 600
	defaultVoiceTimeout      = 8 * time.Second
	defaultChatTimeout       = 25 * time.Second
)

const (
	knowledgeHeader      = "--- KNOWLEDGE BASE ---"
	knowledgeFooter      = "--- END KNOWLEDGE BASE ---"
	knowledgeInstruction = "Use the information above to answer. If it does not cover the question, say that you are giving general guidance."

	voiceStyle = "You are speaking on a phone call. Answer in one to three short spoken sentences. " +
		"Do not use markdown, lists, links, emoji or special characters."
)

// Generator turns an utterance plus context into a bounded reply.
type Generator struct {
	provider          domain.CompletionProvider
	model             string
	temperature       float64
	voiceMaxTokens    int
	chatMaxTokens     int
	voiceMaxSentences int
	voiceMaxChars     int
	voiceTimeout      time.Duration
	chatTimeout       time.Duration
	logger            *slog.Logger
}

// GeneratorConfig holds the completion provider and output bounds.
type GeneratorConfig struct {
	Provider          domain.CompletionProvider
	Model             string   // empty uses the provider default
	Temperature       *float64 // nil uses 0.7; 0 is kept
	VoiceMaxTokens    int      // default: 150
	ChatMaxTokens     int      // default: 500
	VoiceMaxSentences int      // default: 3
	VoiceMaxChars     int      // default: 600
	VoiceTimeout      time.Duration
	ChatTimeout       time.Duration
	Logger            *slog.Logger
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	if cfg.VoiceMaxTokens <= 0 {
		cfg.VoiceMaxTokens = defaultVoiceMaxTokens
	}
	if cfg.ChatMaxTokens <= 0 {
		cfg.ChatMaxTokens = defaultChatMaxTokens
	}
	if cfg.VoiceMaxSentences <= 0 {
		cfg.VoiceMaxSentences = defaultVoiceMaxSentences
	}
	if cfg.VoiceMaxChars <= 0 {
		cfg.VoiceMaxChars = defaultVoiceMaxChars
	}
	if cfg.VoiceTimeout <= 0 {
		cfg.VoiceTimeout = defaultVoiceTimeout
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Generator{
		provider:          cfg.Provider,
		model:             cfg.Model,
		temperature:       temperature,
		voiceMaxTokens:    cfg.VoiceMaxTokens,
		chatMaxTokens:     cfg.ChatMaxTokens,
		voiceMaxSentences: cfg.VoiceMaxSentences,
		voiceMaxChars:     cfg.VoiceMaxChars,
		voiceTimeout:      cfg.VoiceTimeout,
		chatTimeout:       cfg.ChatTimeout,
		logger:            cfg.Logger,
	}
}

type GenerateRequest struct {
	SystemPrompt string
	Context      string // rendered knowledge block, may be empty
	Utterance    string
	History      []domain.Message // oldest first, excluding Utterance
	Channel      domain.Channel
	APIKey       string
}

type Reply struct {
	Text      string
	Model     string
	Usage     domain.Usage
	LatencyMs int64
	Trimmed   bool
}

// Generate sends one completion request. Any provider failure, timeout or
// empty answer is returned wrapped in ErrUpstreamUnavailable; there is no
// retry because the caller is usually a live phone call.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	if strings.TrimSpace(req.Utterance) == "" {
		return nil, fmt.Errorf("%w: utterance is empty", domain.ErrValidation)
	}

	voice := req.Channel == domain.ChannelVoice
	maxTokens, timeout := g.chatMaxTokens, g.chatTimeout
	if voice {
		maxTokens, timeout = g.voiceMaxTokens, g.voiceTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]domain.ChatMessage, 0, len(req.History)+2)
	messages = append(messages, domain.ChatMessage{
		Role:    "system",
		Content: BuildSystemPrompt(req.SystemPrompt, req.Context, req.Channel),
	})
	for _, m := range req.History {
		if m.Content == "" || (m.Role != domain.RoleUser && m.Role != domain.RoleAssistant) {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: req.Utterance})

	resp, err := g.provider.Complete(ctx, domain.CompletionRequest{
		Messages:    messages,
		Model:       g.model,
		MaxTokens:   maxTokens,
		Temperature: g.temperature,
		APIKey:      req.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %w", domain.ErrUpstreamUnavailable, err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply from %s", domain.ErrUpstreamUnavailable, g.provider.Name())
	}

	reply := &Reply{Text: text, Model: resp.Model, Usage: resp.Usage, LatencyMs: resp.LatencyMs}
	if voice {
		trimmed := TrimForSpeech(text, g.voiceMaxSentences, g.voiceMaxChars)
		reply.Trimmed = trimmed != text
		reply.Text = trimmed
	}

	g.logger.Debug("reply generated",
		"channel", req.Channel,
		"history", len(req.History),
		"context_chars", len(req.Context),
		"tokens", resp.Usage.TotalTokens,
		"trimmed", reply.Trimmed,
	)
	return reply, nil
}

// BuildSystemPrompt assembles the effective system prompt. Whenever a
// knowledge block is injected it is followed by the grounding instruction.
func BuildSystemPrompt(base, knowledge string, channel domain.Channel) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	if channel == domain.ChannelVoice {
		sb.WriteString("\n\n")
		sb.WriteString(voiceStyle)
	}

	if k := strings.TrimSpace(knowledge); k != "" {
		sb.WriteString("\n\n")
		sb.WriteString(knowledgeHeader)
		sb.WriteString("\n")
		sb.WriteString(k)
		sb.WriteString("\n")
		sb.WriteString(knowledgeFooter)
		sb.WriteString("\n\n")
		sb.WriteString(knowledgeInstruction)
	}

	return strings.TrimSpace(sb.String())
}

// TrimForSpeech keeps at most maxSentences sentences and maxChars runes,
// flattening line breaks and markdown bullets so the text reads aloud.
func TrimForSpeech(text string, maxSentences, maxChars int) string {
	text = flattenForSpeech(text)
	if text == "" {
		return ""
	}

	if maxSentences > 0 {
		count := 0
		runes := []rune(text)
		for i, r := range runes {
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue // 3.5, e.g.
			}
			count++
			if count == maxSentences {
				text = string(runes[:i+1])
				break
			}
		}
	}

	if maxChars > 0 {
		runes := []rune(text)
		if len(runes) > maxChars {
			cut := string(runes[:maxChars])
			if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
				cut = cut[:idx+1]
			} else if idx := strings.LastIndex(cut, " "); idx > 0 {
				cut = cut[:idx] + "."
			}
			text = cut
		}
	}
	return strings.TrimSpace(text)
}

func flattenForSpeech(text string) string {
	lines := strings.Split(text, "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*#•> ")
		line = strings.ReplaceAll(line, "**", "")
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
