package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agentdesk/internal/domain"

	"github.com/google/uuid"
)

// AddDocument stores a document and its chunks in one transaction. Every
// chunk is stamped with the document's client id.
func (s *SQLiteStore) AddDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	if doc.ClientID == "" {
		return fmt.Errorf("%w: document client id is empty", domain.ErrValidation)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.SourceType == "" {
		doc.SourceType = domain.SourceText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, client_id, title, title_fold, content, size, source_type, source_url, chunk_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ClientID, doc.Title, fold(doc.Title), doc.Content, doc.Size, doc.SourceType, doc.SourceURL, len(chunks), doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (client_id, document_id, chunk_index, content, search_text, metadata) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, doc.ClientID, doc.ID, c.ChunkIndex, c.Content, fold(c.Content), encodeMetadata(c.Metadata)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

// CandidateChunks scores clientID's chunks in SQL and returns the top limit.
// Scores are computed on the Unicode-lowercased search_text and title_fold
// columns, so they equal knowledge.Score on the original text and the limit
// never cuts a better chunk in favour of a worse one.
func (s *SQLiteStore) CandidateChunks(ctx context.Context, clientID string, keywords []string, limit int) ([]domain.ScoredChunk, error) {
	if clientID == "" || len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	var counts, matched, terms []string
	var args []any
	for i, kw := range keywords {
		kw = fold(kw)
		if kw == "" {
			continue
		}
		col := fmt.Sprintf("k%d", i)
		counts = append(counts, fmt.Sprintf(
			`(length(c.search_text) - length(replace(c.search_text, ?, ''))) / length(?)
			+ (length(d.title_fold) - length(replace(d.title_fold, ?, ''))) / length(?) AS %s`, col))
		args = append(args, kw, kw, kw, kw)
		matched = append(matched, col+" > 0")
		terms = append(terms, fmt.Sprintf("CASE WHEN %s > 0 THEN %s + %.1f ELSE 0.0 END", col, col, domain.DistinctKeywordBonus))
	}
	if len(counts) == 0 {
		return nil, nil
	}
	args = append(args, clientID, limit)

	query := `WITH hits AS (
			SELECT c.id, c.client_id, c.document_id, c.chunk_index, c.content, c.metadata, d.title,
			` + strings.Join(counts, ",\n\t\t\t") + `
			FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE c.client_id = ?
		)
		SELECT id, client_id, document_id, chunk_index, content, metadata, title,
			` + strings.Join(terms, " + ") + ` AS score
		FROM hits
		WHERE ` + strings.Join(matched, " OR ") + `
		ORDER BY score DESC, chunk_index, document_id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ScoredChunk
	for rows.Next() {
		var r domain.ScoredChunk
		var meta sql.NullString
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.ClientID, &r.Chunk.DocumentID, &r.Chunk.ChunkIndex,
			&r.Chunk.Content, &meta, &r.DocTitle, &r.Score); err != nil {
			return nil, err
		}
		r.Chunk.Metadata = decodeMetadata(meta)
		results = append(results, r)
	}
	return results, rows.Err()
}

// fold is the case folding shared by stored search columns and keywords.
func fold(s string) string { return strings.ToLower(s) }

// backfillSearchText fills search_text and title_fold for rows written
// before those columns existed.
func backfillSearchText(ctx context.Context, db *sql.DB) (int, error) {
	type row struct {
		key  any
		text string
	}
	collect := func(query string) ([]row, error) {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.key, &r.text); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	}

	chunks, err := collect(`SELECT id, content FROM chunks WHERE search_text = '' AND content != ''`)
	if err != nil {
		return 0, fmt.Errorf("scan chunks: %w", err)
	}
	docs, err := collect(`SELECT id, title FROM documents WHERE title_fold = '' AND title != ''`)
	if err != nil {
		return 0, fmt.Errorf("scan documents: %w", err)
	}
	if len(chunks)+len(docs) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, r := range chunks {
		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET search_text = ? WHERE id = ?`, fold(r.text), r.key); err != nil {
			return 0, err
		}
	}
	for _, r := range docs {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET title_fold = ? WHERE id = ?`, fold(r.text), r.key); err != nil {
			return 0, err
		}
	}
	return len(chunks) + len(docs), tx.Commit()
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, clientID string) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, title, size, source_type, source_url, chunk_count, created_at
		 FROM documents WHERE client_id = ? ORDER BY created_at DESC, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Title, &d.Size, &d.SourceType, &d.SourceURL,
			&d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentChunks returns a document's chunks in index order.
func (s *SQLiteStore) DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, document_id, chunk_index, content, metadata
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var meta sql.NullString
		if err := rows.Scan(&c.ID, &c.ClientID, &c.DocumentID, &c.ChunkIndex, &c.Content, &meta); err != nil {
			return nil, err
		}
		c.Metadata = decodeMetadata(meta)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, clientID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND client_id = ?`, id, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not found for client %s", id, clientID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
