package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: clients, agents, channel_bindings, documents, chunks, conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS clients (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			client_id      TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			name           TEXT NOT NULL DEFAULT '',
			system_prompt  TEXT NOT NULL DEFAULT '',
			greeting       TEXT NOT NULL DEFAULT '',
			api_key        TEXT NOT NULL DEFAULT '',
			is_default     INTEGER NOT NULL DEFAULT 0,
			voice_id       TEXT NOT NULL DEFAULT '',
			voice_language TEXT NOT NULL DEFAULT '',
			voice_speed    REAL NOT NULL DEFAULT 0,
			say_voice      TEXT NOT NULL DEFAULT '',
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_agents_client ON agents(client_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_default ON agents(client_id) WHERE is_default = 1;

		CREATE TABLE IF NOT EXISTS channel_bindings (
			id            TEXT PRIMARY KEY,
			phone_number  TEXT NOT NULL,
			client_id     TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			agent_id      TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			is_active     INTEGER NOT NULL DEFAULT 1,
			voice_enabled INTEGER NOT NULL DEFAULT 1,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_bindings_phone ON channel_bindings(phone_number);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_active_phone ON channel_bindings(phone_number) WHERE is_active = 1;

		CREATE TABLE IF NOT EXISTS documents (
			id          TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			title       TEXT NOT NULL,
			content     TEXT NOT NULL,
			size        INTEGER NOT NULL DEFAULT 0,
			source_type TEXT NOT NULL DEFAULT 'text',
			source_url  TEXT NOT NULL DEFAULT '',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_documents_client ON documents(client_id);

		CREATE TABLE IF NOT EXISTS chunks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id   TEXT NOT NULL,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content     TEXT NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '{}',
			UNIQUE(document_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_client ON chunks(client_id, document_id, chunk_index);

		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			client_id           TEXT NOT NULL,
			agent_id            TEXT NOT NULL DEFAULT '',
			channel             TEXT NOT NULL,
			caller_address      TEXT NOT NULL DEFAULT '',
			external_session_id TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'active',
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_key
			ON conversations(client_id, channel, caller_address, external_session_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, id);
		`,
	},
	{
		Version:     2,
		Description: "v2: audio_clips for telephony playback",
		SQL: `
		CREATE TABLE IF NOT EXISTS audio_clips (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			content_type    TEXT NOT NULL,
			data            BLOB NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audio_created ON audio_clips(created_at);
		`,
	},
	{
		Version:     3,
		Description: "v3: case-folded search columns for chunks and document titles",
		SQL: `
		ALTER TABLE chunks ADD COLUMN search_text TEXT NOT NULL DEFAULT '';
		ALTER TABLE documents ADD COLUMN title_fold TEXT NOT NULL DEFAULT '';
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			// A database created by hand may already hold some objects.
			logger.Warn("migration transaction failed, applying statements one by one",
				"version", m.Version, "err", err)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration v%d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" and "already exists" errors.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons. None of the
// migrations contain semicolons inside literals.
func splitSQL(sqlText string) []string {
	var result []string
	for _, s := range strings.Split(sqlText, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // no table yet means version 0
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
