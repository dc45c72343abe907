// Package resolver decides which client, agent, prompt, completion key and
// voice apply to an inbound message.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentdesk/internal/config"
	"agentdesk/internal/domain"
	"agentdesk/internal/metrics"
	"agentdesk/internal/trace"
)

// Sources recorded on Resolved.
const (
	SourceOverride = "override"
	SourceAgent    = "agent"
	SourceDefault  = "default"
	SourceNone     = "none"
)

// Resolver loads effective configuration from the tenant store. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	store         domain.TenantStore
	defaultKey    string
	keyPrefix     string
	minKeyLength  int
	defaultPrompt string
	allowOverride bool
	defaultVoice  domain.VoiceConfig
	logger        *slog.Logger
}

type Config struct {
	Store               domain.TenantStore
	DefaultAPIKey       string
	KeyPrefix           string // e.g. "sk-"
	MinKeyLength        int
	DefaultPrompt       string
	AllowPromptOverride bool
	DefaultVoice        domain.VoiceConfig
	Logger              *slog.Logger
}

func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		store:         cfg.Store,
		defaultKey:    cfg.DefaultAPIKey,
		keyPrefix:     cfg.KeyPrefix,
		minKeyLength:  cfg.MinKeyLength,
		defaultPrompt: cfg.DefaultPrompt,
		allowOverride: cfg.AllowPromptOverride,
		defaultVoice:  cfg.DefaultVoice,
		logger:        cfg.Logger,
	}
}

// Lookup identifies the channel address of an inbound message. PhoneNumber
// wins when set; otherwise AgentID and/or ClientID are used.
type Lookup struct {
	PhoneNumber    string
	ClientID       string
	AgentID        string
	PromptOverride string // widget only
}

// Resolved is the effective configuration for one turn.
type Resolved struct {
	Client       *domain.Client
	Agent        *domain.Agent
	SystemPrompt string
	PromptSource string
	APIKey       string
	KeySource    string
	Voice        domain.VoiceConfig
}

func (r *Resolver) Resolve(ctx context.Context, l Lookup) (*Resolved, error) {
	ctx, span := trace.StartSpan(ctx, trace.SpanResolve)
	defer span.End()

	var (
		res *Resolved
		err error
	)
	if l.PhoneNumber != "" {
		res, err = r.ResolveByPhone(ctx, l.PhoneNumber)
	} else {
		res, err = r.ResolveByAgent(ctx, l.ClientID, l.AgentID)
	}
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}

	if override := strings.TrimSpace(l.PromptOverride); override != "" {
		if r.allowOverride {
			res.SystemPrompt, res.PromptSource = override, SourceOverride
		} else {
			r.logger.Debug("prompt override ignored", "client_id", res.Client.ID)
		}
	}

	span.SetAttributes(
		trace.AttrClientID.String(res.Client.ID),
		trace.AttrAgentID.String(res.Agent.ID),
		trace.AttrKeySource.String(res.KeySource),
	)
	return res, nil
}

// ResolveByPhone requires exactly one active, voice-enabled binding for the
// normalized number.
func (r *Resolver) ResolveByPhone(ctx context.Context, number string) (*Resolved, error) {
	normalized := domain.NormalizePhone(number)
	if normalized == "" {
		return nil, fmt.Errorf("%w: no called number", domain.ErrConfigNotFound)
	}

	bindings, err := r.store.FindActiveVoiceBindings(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("find bindings for %s: %w", normalized, err)
	}
	switch len(bindings) {
	case 0:
		return nil, fmt.Errorf("%w: no active voice binding for %s", domain.ErrConfigNotFound, normalized)
	case 1:
	default:
		r.logger.Error("phone number has several active bindings", "phone", normalized, "count", len(bindings))
		return nil, fmt.Errorf("%w: %d active bindings for %s", domain.ErrConfigNotFound, len(bindings), normalized)
	}

	b := bindings[0]
	agent, err := r.store.GetAgent(ctx, b.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", b.AgentID, err)
	}
	if agent == nil || agent.ClientID != b.ClientID {
		return nil, fmt.Errorf("%w: binding %s points at missing agent %s", domain.ErrConfigNotFound, b.ID, b.AgentID)
	}
	return r.build(ctx, agent)
}

// ResolveByAgent uses agentID when given (it must belong to clientID when
// that is set too), otherwise the client's default agent.
func (r *Resolver) ResolveByAgent(ctx context.Context, clientID, agentID string) (*Resolved, error) {
	var agent *domain.Agent
	var err error

	switch {
	case agentID != "":
		agent, err = r.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("load agent %s: %w", agentID, err)
		}
		if agent == nil || (clientID != "" && agent.ClientID != clientID) {
			return nil, fmt.Errorf("%w: agent %s", domain.ErrConfigNotFound, agentID)
		}
	case clientID != "":
		agent, err = r.store.GetDefaultAgent(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("load default agent for %s: %w", clientID, err)
		}
		if agent == nil {
			return nil, fmt.Errorf("%w: client %s has no default agent", domain.ErrConfigNotFound, clientID)
		}
	default:
		return nil, fmt.Errorf("%w: client_id or agent id is required", domain.ErrValidation)
	}

	return r.build(ctx, agent)
}

func (r *Resolver) build(ctx context.Context, agent *domain.Agent) (*Resolved, error) {
	client, err := r.store.GetClient(ctx, agent.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", agent.ClientID, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client %s", domain.ErrConfigNotFound, agent.ClientID)
	}

	res := &Resolved{Client: client, Agent: agent}
	res.SystemPrompt, res.PromptSource = r.prompt(agent)
	res.APIKey, res.KeySource = r.apiKey(agent)
	res.Voice = r.voice(agent)
	return res, nil
}

type candidate struct {
	source string
	value  string
}

// first returns the first non-blank candidate.
func first(cs ...candidate) (string, string) {
	for _, c := range cs {
		if strings.TrimSpace(c.value) != "" {
			return c.value, c.source
		}
	}
	return "", SourceNone
}

func (r *Resolver) prompt(agent *domain.Agent) (string, string) {
	return first(
		candidate{SourceAgent, agent.SystemPrompt},
		candidate{SourceDefault, r.defaultPrompt},
	)
}

// apiKey applies agent key, then process default. A malformed agent key is
// discarded and never returned.
func (r *Resolver) apiKey(agent *domain.Agent) (string, string) {
	agentKey := strings.TrimSpace(agent.APIKey)
	if agentKey != "" && !r.ValidKey(agentKey) {
		metrics.InvalidAgentKeys.Inc()
		r.logger.Warn("discarding malformed agent API key, using default",
			"agent_id", agent.ID, "key", config.MaskSecret(agentKey))
		agentKey = ""
	}
	return first(
		candidate{SourceAgent, agentKey},
		candidate{SourceDefault, r.defaultKey},
	)
}

// ValidKey reports whether key is structurally usable: configured prefix and
// minimum length, no whitespace.
func (r *Resolver) ValidKey(key string) bool {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return false
	}
	if r.keyPrefix != "" && !strings.HasPrefix(key, r.keyPrefix) {
		return false
	}
	return len(key) >= r.minKeyLength
}

func (r *Resolver) voice(agent *domain.Agent) domain.VoiceConfig {
	v := r.defaultVoice
	if agent.Voice.VoiceID != "" {
		v.VoiceID = agent.Voice.VoiceID
	}
	if agent.Voice.Language != "" {
		v.Language = agent.Voice.Language
	}
	if agent.Voice.Speed > 0 {
		v.Speed = agent.Voice.Speed
	}
	if agent.Voice.SayVoice != "" {
		v.SayVoice = agent.Voice.SayVoice
	}
	return v
}
