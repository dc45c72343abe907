package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentdesk/internal/domain"

	"github.com/google/uuid"
)

// GetOrCreateConversation inserts a conversation for key unless one already
// exists, then reads back the stored row. The unique index on
// (client_id, channel, caller_address, external_session_id) makes this safe
// under concurrent webhook retries: losers of the race see DO NOTHING and
// read the winner's row. created reports whether this call inserted it.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, client_id, agent_id, channel, caller_address, external_session_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id, channel, caller_address, external_session_id) DO NOTHING`,
		uuid.NewString(), key.ClientID, key.AgentID, string(key.Channel), key.CallerAddress, key.ExternalSessionID,
		domain.StatusActive, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	inserted, _ := res.RowsAffected()

	conv, err := s.FindConversation(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read conversation: %w", err)
	}
	if conv == nil {
		return nil, false, fmt.Errorf("conversation vanished after insert")
	}
	return conv, inserted == 1, nil
}

const conversationColumns = `id, client_id, agent_id, channel, caller_address, external_session_id, status, created_at, updated_at`

func scanConversation(row *sql.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var channel string
	err := row.Scan(&c.ID, &c.ClientID, &c.AgentID, &channel, &c.CallerAddress, &c.ExternalSessionID,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Channel = domain.Channel(channel)
	return &c, nil
}

// FindConversation returns nil, nil when no conversation exists for key.
func (s *SQLiteStore) FindConversation(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE client_id = ? AND channel = ? AND caller_address = ? AND external_session_id = ?`,
		key.ClientID, string(key.Channel), key.CallerAddress, key.ExternalSessionID,
	))
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

func (s *SQLiteStore) EndConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		domain.StatusEnded, time.Now().UTC(), id,
	)
	return err
}

// AppendMessage inserts a message and touches the conversation in one
// transaction. Messages are never updated afterwards.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, encodeMetadata(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID,
	); err != nil {
		return 0, fmt.Errorf("touch conversation %s: %w", msg.ConversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// RecentMessages returns the last limit messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Metadata = decodeMetadata(meta)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
