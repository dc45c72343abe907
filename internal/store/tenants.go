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

func (s *SQLiteStore) UpsertClient(ctx context.Context, c domain.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		c.ID, c.Name, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.ID, err)
	}
	return nil
}

// GetClient returns nil, nil when the client does not exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM clients ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpsertAgent inserts or replaces an agent. Marking an agent default clears
// the flag on the client's other agents in the same transaction.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if a.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_default = 0 WHERE client_id = ? AND id != ?`, a.ClientID, a.ID,
		); err != nil {
			return fmt.Errorf("clear default agent: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, client_id, name, system_prompt, greeting, api_key, is_default,
		                     voice_id, voice_language, voice_speed, say_voice, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   client_id = excluded.client_id, name = excluded.name,
		   system_prompt = excluded.system_prompt, greeting = excluded.greeting,
		   api_key = excluded.api_key, is_default = excluded.is_default,
		   voice_id = excluded.voice_id, voice_language = excluded.voice_language,
		   voice_speed = excluded.voice_speed, say_voice = excluded.say_voice`,
		a.ID, a.ClientID, a.Name, a.SystemPrompt, a.Greeting, a.APIKey, boolToInt(a.IsDefault),
		a.Voice.VoiceID, a.Voice.Language, a.Voice.Speed, a.Voice.SayVoice, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return tx.Commit()
}

const agentColumns = `id, client_id, name, system_prompt, greeting, api_key, is_default,
	voice_id, voice_language, voice_speed, say_voice, created_at`

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var isDefault int
	err := row.Scan(&a.ID, &a.ClientID, &a.Name, &a.SystemPrompt, &a.Greeting, &a.APIKey, &isDefault,
		&a.Voice.VoiceID, &a.Voice.Language, &a.Voice.Speed, &a.Voice.SayVoice, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.IsDefault = isDefault == 1
	return &a, nil
}

// GetAgent returns nil, nil when the agent does not exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
}

// GetDefaultAgent returns nil, nil when the client has no default agent.
func (s *SQLiteStore) GetDefaultAgent(ctx context.Context, clientID string) (*domain.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE client_id = ? AND is_default = 1`, clientID))
}

// UpsertBinding stores a phone binding. The number is normalized first; a
// second active binding for the same number violates a unique index.
func (s *SQLiteStore) UpsertBinding(ctx context.Context, b domain.ChannelBinding) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.PhoneNumber = domain.NormalizePhone(b.PhoneNumber)
	if b.PhoneNumber == "" {
		return fmt.Errorf("%w: binding phone number is empty", domain.ErrValidation)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_bindings (id, phone_number, client_id, agent_id, is_active, voice_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   phone_number = excluded.phone_number, client_id = excluded.client_id,
		   agent_id = excluded.agent_id, is_active = excluded.is_active,
		   voice_enabled = excluded.voice_enabled`,
		b.ID, b.PhoneNumber, b.ClientID, b.AgentID, boolToInt(b.IsActive), boolToInt(b.VoiceEnabled), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert binding %s (%s): %w", b.ID, b.PhoneNumber, err)
	}
	return nil
}

func (s *SQLiteStore) FindActiveVoiceBindings(ctx context.Context, phoneNumber string) ([]domain.ChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone_number, client_id, agent_id, is_active, voice_enabled, created_at
		 FROM channel_bindings
		 WHERE phone_number = ? AND is_active = 1 AND voice_enabled = 1`,
		domain.NormalizePhone(phoneNumber),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []domain.ChannelBinding
	for rows.Next() {
		var b domain.ChannelBinding
		var active, voice int
		if err := rows.Scan(&b.ID, &b.PhoneNumber, &b.ClientID, &b.AgentID, &active, &voice, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.IsActive = active == 1
		b.VoiceEnabled = voice == 1
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
