package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"agentdesk/internal/domain"
)

const defaultHistoryLimit = 10

// Tracker maps transport sessions (a CallSid, a widget session id) onto
// durable conversations. It keeps nothing in memory; every call goes to the
// store so any replica can serve the next webhook of the same call.
type Tracker struct {
	store        domain.ConversationStore
	historyLimit int
	logger       *slog.Logger
}

type TrackerConfig struct {
	Store        domain.ConversationStore
	HistoryLimit *int // messages fed back to the generator; nil uses 10, 0 disables history
	Logger       *slog.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	limit := defaultHistoryLimit
	if cfg.HistoryLimit != nil {
		limit = max(*cfg.HistoryLimit, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{store: cfg.Store, historyLimit: limit, logger: cfg.Logger}
}

// Open returns the conversation for key, creating it on first use. Concurrent
// calls with the same key get the same conversation.
func (t *Tracker) Open(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, error) {
	if key.ClientID == "" || key.Channel == "" {
		return nil, fmt.Errorf("%w: conversation key needs client and channel", domain.ErrValidation)
	}
	conv, created, err := t.store.GetOrCreateConversation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if created {
		t.logger.Info("conversation started",
			"conversation_id", conv.ID,
			"client_id", key.ClientID,
			"agent_id", key.AgentID,
			"channel", key.Channel,
		)
	}
	return conv, nil
}

// Find returns the conversation for key without creating one, or nil.
func (t *Tracker) Find(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, error) {
	return t.store.FindConversation(ctx, key)
}

// History returns the most recent messages, oldest first.
func (t *Tracker) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if t.historyLimit == 0 {
		return nil, nil
	}
	msgs, err := t.store.RecentMessages(ctx, conversationID, t.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// RecordUser persists an inbound utterance.
func (t *Tracker) RecordUser(ctx context.Context, conv *domain.Conversation, text string) error {
	_, err := t.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
		Metadata: map[string]string{
			"channel":    string(conv.Channel),
			"session_id": conv.ExternalSessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}

// RecordReply persists a generated reply with its latency and token usage.
func (t *Tracker) RecordReply(ctx context.Context, conv *domain.Conversation, reply *Reply) error {
	_, err := t.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        reply.Text,
		Metadata: map[string]string{
			"channel":    string(conv.Channel),
			"session_id": conv.ExternalSessionID,
			"model":      reply.Model,
			"latency_ms": strconv.FormatInt(reply.LatencyMs, 10),
			"tokens":     strconv.Itoa(reply.Usage.TotalTokens),
		},
	})
	if err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

// End marks the conversation ended. Ending twice is harmless.
func (t *Tracker) End(ctx context.Context, conversationID string) error {
	if err := t.store.EndConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	t.logger.Info("conversation ended", "conversation_id", conversationID)
	return nil
}
