package domain

import (
	"context"
	"time"
)

// Source types for ingested documents.
const (
	SourceFile = "file"
	SourceURL  = "url"
	SourceText = "text"
)

// Document represents one ingested source in a client's knowledge base.
type Document struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Title      string    `json:"title"`
	Content    string    `json:"-"`
	Size       int64     `json:"size"`
	SourceType string    `json:"source_type"`
	SourceURL  string    `json:"source_url,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a fixed-size, ordered slice of a document. ClientID is denormalized
// so retrieval can filter without joining documents.
type Chunk struct {
	ID         int64             `json:"id"`
	ClientID   string            `json:"client_id"`
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk    Chunk   `json:"chunk"`
	DocTitle string  `json:"doc_title"`
	Score    float64 `json:"score"`
}

// DistinctKeywordBonus is added once for every distinct keyword a chunk
// contains, so a chunk matching two different words beats one repeating a
// single word. A chunk's keyword score is the sum, over keywords it contains,
// of occurrences in its content and document title plus this bonus.
const DistinctKeywordBonus = 2.0

// KnowledgeStore persists documents and chunks.
type KnowledgeStore interface {
	// AddDocument stores a document and its chunks atomically.
	AddDocument(ctx context.Context, doc Document, chunks []Chunk) error

	// CandidateChunks scores every chunk of clientID against the lowercase
	// keywords and returns the best limit of them: score descending, then
	// chunk index, then document id. Scoring matches KeywordScore. It never
	// returns chunks of another client.
	CandidateChunks(ctx context.Context, clientID string, keywords []string, limit int) ([]ScoredChunk, error)

	ListDocuments(ctx context.Context, clientID string) ([]Document, error)
	DocumentChunks(ctx context.Context, documentID string) ([]Chunk, error)
	DeleteDocument(ctx context.Context, clientID, id string) error
}
