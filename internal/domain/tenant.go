package domain

import (
	"context"
	"time"
)

// Client is a tenant owning agents, phone numbers and a knowledge base.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// VoiceConfig holds speech settings for an agent. Zero fields fall back to
// process defaults during resolution.
type VoiceConfig struct {
	VoiceID  string  `json:"voice_id,omitempty" yaml:"voiceId,omitempty"`   // synthesizer voice
	Language string  `json:"language,omitempty" yaml:"language,omitempty"`  // BCP-47, e.g. en-US
	Speed    float64 `json:"speed,omitempty" yaml:"speed,omitempty"`        // 0.7 - 1.2
	SayVoice string  `json:"say_voice,omitempty" yaml:"sayVoice,omitempty"` // telephony native voice for <Say>
}

// Agent is one AI persona belonging to a Client.
type Agent struct {
	ID           string      `json:"id"`
	ClientID     string      `json:"client_id"`
	Name         string      `json:"name"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Greeting     string      `json:"greeting,omitempty"`
	APIKey       string      `json:"-"`
	IsDefault    bool        `json:"is_default"`
	Voice        VoiceConfig `json:"voice"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ChannelBinding maps an external address (a phone number) to a client and agent.
type ChannelBinding struct {
	ID           string    `json:"id"`
	PhoneNumber  string    `json:"phone_number"`
	ClientID     string    `json:"client_id"`
	AgentID      string    `json:"agent_id"`
	IsActive     bool      `json:"is_active"`
	VoiceEnabled bool      `json:"voice_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// TenantStore is the read/write surface over clients, agents and bindings.
type TenantStore interface {
	UpsertClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	UpsertAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetDefaultAgent(ctx context.Context, clientID string) (*Agent, error)

	UpsertBinding(ctx context.Context, b ChannelBinding) error
	// FindActiveVoiceBindings returns every active, voice-enabled binding for a number.
	FindActiveVoiceBindings(ctx context.Context, phoneNumber string) ([]ChannelBinding, error)
}
