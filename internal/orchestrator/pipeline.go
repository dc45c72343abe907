package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/knowledge"
	"agentdesk/internal/metrics"
	"agentdesk/internal/resolver"
	"agentdesk/internal/trace"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTopK            = 3
	defaultMaxContextChars = 3000
	defaultSpeechTimeout   = 5 * time.Second
)

// ConfigResolver is satisfied by *resolver.Resolver.
type ConfigResolver interface {
	Resolve(ctx context.Context, l resolver.Lookup) (*resolver.Resolved, error)
}

// KnowledgeSearcher is satisfied by *knowledge.Retriever.
type KnowledgeSearcher interface {
	Search(ctx context.Context, clientID, query string, limit int) []domain.ScoredChunk
}

// Pipeline wires the per-turn stages together. It is stateless between
// calls; everything that must survive a turn goes through the Tracker.
type Pipeline struct {
	resolver        ConfigResolver
	retriever       KnowledgeSearcher
	generator       *Generator
	tracker         *Tracker
	synth           domain.Synthesizer
	audio           domain.AudioStore
	topK            int
	maxContextChars int
	speechTimeout   time.Duration
	logger          *slog.Logger
}

type PipelineConfig struct {
	Resolver        ConfigResolver
	Retriever       KnowledgeSearcher
	Generator       *Generator
	Tracker         *Tracker
	Synthesizer     domain.Synthesizer // nil disables synthesized audio
	Audio           domain.AudioStore
	TopK            int // default: 3
	MaxContextChars int // default: 3000
	SpeechTimeout   time.Duration
	Logger          *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	if cfg.SpeechTimeout <= 0 {
		cfg.SpeechTimeout = defaultSpeechTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		resolver:        cfg.Resolver,
		retriever:       cfg.Retriever,
		generator:       cfg.Generator,
		tracker:         cfg.Tracker,
		synth:           cfg.Synthesizer,
		audio:           cfg.Audio,
		topK:            cfg.TopK,
		maxContextChars: cfg.MaxContextChars,
		speechTimeout:   cfg.SpeechTimeout,
		logger:          cfg.Logger,
	}
}

// TurnRequest is one inbound message or utterance, already parsed by a
// channel adapter.
type TurnRequest struct {
	Lookup        resolver.Lookup
	Channel       domain.Channel
	CallerAddress string
	SessionID     string // CallSid or widget/chat session id
	Utterance     string
}

func (r TurnRequest) key(res *resolver.Resolved) domain.ConversationKey {
	return domain.ConversationKey{
		ClientID:          res.Client.ID,
		AgentID:           res.Agent.ID,
		Channel:           r.Channel,
		CallerAddress:     r.CallerAddress,
		ExternalSessionID: r.SessionID,
	}
}

type TurnResult struct {
	Resolved     *resolver.Resolved
	Conversation *domain.Conversation
	Reply        *Reply
	Chunks       int
	Clip         *domain.AudioClip // voice only; nil means render text natively
}

// Start resolves configuration and opens the conversation without
// generating anything. Voice uses it for the greeting turn.
func (p *Pipeline) Start(ctx context.Context, req TurnRequest) (*resolver.Resolved, *domain.Conversation, error) {
	res, err := p.resolver.Resolve(ctx, req.Lookup)
	if err != nil {
		return nil, nil, err
	}
	conv, err := p.tracker.Open(ctx, req.key(res))
	if err != nil {
		return res, nil, err
	}
	return res, conv, nil
}

// Turn runs resolve, retrieve, generate and (for voice) speak. The user
// message is persisted before generation and the reply before returning.
// When generation fails after the conversation was opened, the partial
// result is returned alongside the error so the adapter can still echo the
// session id.
func (p *Pipeline) Turn(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	start := time.Now()
	channel := string(req.Channel)
	metrics.InFlightTurns.Inc()

	ctx, span := trace.StartSpan(ctx, trace.SpanTurn, trace.AttrChannel.String(channel))
	defer func() {
		metrics.InFlightTurns.Dec()
		metrics.TurnsTotal(channel, outcome(err)).Inc()
		metrics.TurnLatency(channel).ObserveSince(start)
		if err != nil {
			trace.RecordError(span, err)
		}
		span.End()
	}()

	if strings.TrimSpace(req.Utterance) == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrValidation)
	}

	res, chunks, err := p.resolveAndRetrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		trace.AttrClientID.String(res.Client.ID),
		trace.AttrAgentID.String(res.Agent.ID),
		trace.AttrChunks.Int(len(chunks)),
	)

	result = &TurnResult{Resolved: res, Chunks: len(chunks)}
	conv, err := p.tracker.Open(ctx, req.key(res))
	if err != nil {
		return nil, err
	}
	result.Conversation = conv
	span.SetAttributes(trace.AttrConversationID.String(conv.ID))

	history, err := p.tracker.History(ctx, conv.ID)
	if err != nil {
		return result, err
	}
	if err := p.tracker.RecordUser(ctx, conv, req.Utterance); err != nil {
		return result, err
	}

	reply, err := p.generator.Generate(ctx, GenerateRequest{
		SystemPrompt: res.SystemPrompt,
		Context:      knowledge.BuildContext(chunks, p.maxContextChars),
		Utterance:    req.Utterance,
		History:      history,
		Channel:      req.Channel,
		APIKey:       res.APIKey,
	})
	if err != nil {
		p.logger.Warn("reply generation failed",
			"conversation_id", conv.ID, "channel", channel, "key_source", res.KeySource, "err", err)
		return result, err
	}
	result.Reply = reply

	if err := p.tracker.RecordReply(ctx, conv, reply); err != nil {
		return result, err
	}

	if req.Channel == domain.ChannelVoice {
		result.Clip = p.speakOrFallback(ctx, conv, reply.Text, res.Voice)
	}

	p.logger.Info("turn completed",
		"conversation_id", conv.ID,
		"client_id", res.Client.ID,
		"channel", channel,
		"chunks", len(chunks),
		"tokens", reply.Usage.TotalTokens,
		"audio", result.Clip != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// resolveAndRetrieve runs both lookups concurrently when the client id is
// known up front. Phone lookups resolve first since the client comes from
// the binding.
func (p *Pipeline) resolveAndRetrieve(ctx context.Context, req TurnRequest) (*resolver.Resolved, []domain.ScoredChunk, error) {
	if req.Lookup.PhoneNumber == "" && req.Lookup.ClientID != "" {
		var (
			g      errgroup.Group
			res    *resolver.Resolved
			chunks []domain.ScoredChunk
		)
		g.Go(func() error {
			var err error
			res, err = p.resolver.Resolve(ctx, req.Lookup)
			return err
		})
		g.Go(func() error {
			chunks = p.retriever.Search(ctx, req.Lookup.ClientID, req.Utterance, p.topK)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		return res, chunks, nil
	}

	res, err := p.resolver.Resolve(ctx, req.Lookup)
	if err != nil {
		return nil, nil, err
	}
	return res, p.retriever.Search(ctx, res.Client.ID, req.Utterance, p.topK), nil
}

// SpeechEnabled reports whether replies can be rendered as stored audio.
func (p *Pipeline) SpeechEnabled() bool {
	return p.synth != nil && p.audio != nil
}

// Speak synthesizes text and stores the clip for the telephony provider to
// fetch.
func (p *Pipeline) Speak(ctx context.Context, conv *domain.Conversation, text string, voice domain.VoiceConfig) (*domain.AudioClip, error) {
	if !p.SpeechEnabled() {
		return nil, errors.New("speech synthesis is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.speechTimeout)
	defer cancel()

	audio, err := p.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	clip := domain.AudioClip{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ContentType:    audio.ContentType,
		Data:           audio.Data,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.audio.SaveAudio(ctx, clip); err != nil {
		return nil, err
	}
	return &clip, nil
}

// speakOrFallback returns nil when audio is disabled or fails; the adapter
// then renders the text with the telephony provider's own voice.
func (p *Pipeline) speakOrFallback(ctx context.Context, conv *domain.Conversation, text string, voice domain.VoiceConfig) *domain.AudioClip {
	if !p.SpeechEnabled() {
		return nil
	}
	clip, err := p.Speak(ctx, conv, text, voice)
	if err != nil {
		metrics.TTSFallbackTotal.Inc()
		p.logger.Warn("speech synthesis failed, falling back to native voice",
			"conversation_id", conv.ID, "provider", p.synth.Name(), "err", err)
		return nil
	}
	return clip
}

// EndCall marks the conversation for a finished call as ended. Unknown
// numbers and calls that never opened a conversation are not errors.
func (p *Pipeline) EndCall(ctx context.Context, req TurnRequest) error {
	res, err := p.resolver.Resolve(ctx, req.Lookup)
	if errors.Is(err, domain.ErrConfigNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conv, err := p.tracker.Find(ctx, req.key(res))
	if err != nil {
		return err
	}
	if conv == nil || conv.Status == domain.StatusEnded {
		return nil
	}
	return p.tracker.End(ctx, conv.ID)
}

// End marks a known conversation ended.
func (p *Pipeline) End(ctx context.Context, conversationID string) error {
	return p.tracker.End(ctx, conversationID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrConfigNotFound):
		return "not_configured"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_error"
	default:
		return "error"
	}
}
