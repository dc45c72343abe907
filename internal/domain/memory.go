package domain

import (
	"context"
	"time"
)

// Channel is a transport through which a user reaches an agent.
type Channel string

const (
	ChannelVoice  Channel = "voice"
	ChannelChat   Channel = "chat"
	ChannelWidget Channel = "widget"
)

// Conversation status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one logical dialogue on one channel.
type Conversation struct {
	ID                string    `json:"id"`
	ClientID          string    `json:"client_id"`
	AgentID           string    `json:"agent_id"`
	Channel           Channel   `json:"channel"`
	CallerAddress     string    `json:"caller_address,omitempty"`
	ExternalSessionID string    `json:"external_session_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConversationKey identifies at most one Conversation.
type ConversationKey struct {
	ClientID          string
	AgentID           string
	Channel           Channel
	CallerAddress     string
	ExternalSessionID string
}

// Message is one append-only turn within a Conversation.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AudioClip is synthesized speech kept for the telephony provider to fetch.
type AudioClip struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ContentType    string    `json:"content_type"`
	Data           []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStore handles persistent storage of conversations and messages.
type ConversationStore interface {
	// GetOrCreateConversation atomically inserts a conversation for key if none
	// exists and returns the stored row either way.
	GetOrCreateConversation(ctx context.Context, key ConversationKey) (*Conversation, bool, error)
	// FindConversation returns nil, nil when no conversation exists for key.
	FindConversation(ctx context.Context, key ConversationKey) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	EndConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg Message) (int64, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// AudioStore keeps synthesized clips.
type AudioStore interface {
	SaveAudio(ctx context.Context, clip AudioClip) error
	GetAudio(ctx context.Context, id string) (*AudioClip, error)
	PruneAudio(ctx context.Context, olderThan time.Time) (int64, error)
}
