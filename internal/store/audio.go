package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agentdesk/internal/domain"

	"github.com/google/uuid"
)

func (s *SQLiteStore) SaveAudio(ctx context.Context, clip domain.AudioClip) error {
	if clip.ID == "" {
		clip.ID = uuid.NewString()
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now()
	}
	clip.CreatedAt = clip.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_clips (id, conversation_id, content_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		clip.ID, clip.ConversationID, clip.ContentType, clip.Data, clip.CreatedAt,
	)
	return err
}

// GetAudio returns nil, nil when the clip does not exist.
func (s *SQLiteStore) GetAudio(ctx context.Context, id string) (*domain.AudioClip, error) {
	var clip domain.AudioClip
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, content_type, data, created_at FROM audio_clips WHERE id = ?`, id,
	).Scan(&clip.ID, &clip.ConversationID, &clip.ContentType, &clip.Data, &clip.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &clip, nil
}

// PruneAudio deletes clips created before olderThan.
func (s *SQLiteStore) PruneAudio(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_clips WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
