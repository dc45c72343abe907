// Package knowledge ingests documents into per-client chunks and retrieves
// them by keyword relevance.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"agentdesk/internal/domain"

	"github.com/google/uuid"
)

// PageFetcher renders a web page and returns its title and visible text.
type PageFetcher interface {
	PageText(ctx context.Context, url string) (title, text string, err error)
}

// Engine manages a client's knowledge base: chunking, storing, listing and
// deleting documents.
type Engine struct {
	store     domain.KnowledgeStore
	fetcher   PageFetcher
	chunkSize int
	logger    *slog.Logger
}

type EngineConfig struct {
	Store     domain.KnowledgeStore
	Fetcher   PageFetcher // optional; required for AddURL
	ChunkSize int         // runes per chunk (default: 1000)
	Logger    *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
	}
}

// IngestRequest describes one document to add.
type IngestRequest struct {
	ClientID   string
	Title      string
	Content    string
	SourceType string
	SourceURL  string
}

// Ingest chunks the content and stores the document with every chunk tagged
// with the client id.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*domain.Document, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: document %q is empty", domain.ErrValidation, req.Title)
	}
	if req.SourceType == "" {
		req.SourceType = domain.SourceText
	}

	parts := ChunkText(req.Content, e.chunkSize)
	chunks := make([]domain.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = domain.Chunk{
			ClientID:   req.ClientID,
			ChunkIndex: i,
			Content:    p,
			Metadata:   map[string]string{"source_type": req.SourceType},
		}
		if req.SourceURL != "" {
			chunks[i].Metadata["source_url"] = req.SourceURL
		}
	}

	doc := domain.Document{
		ID:         uuid.NewString(),
		ClientID:   req.ClientID,
		Title:      req.Title,
		Content:    req.Content,
		Size:       int64(len(req.Content)),
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		ChunkCount: len(chunks),
		CreatedAt:  time.Now().UTC(),
	}

	if err := e.store.AddDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	e.logger.Info("document added to knowledge base",
		"client_id", req.ClientID, "title", req.Title, "source", req.SourceType,
		"chunks", len(chunks), "size", len(req.Content))
	return &doc, nil
}

// AddText ingests inline text.
func (e *Engine) AddText(ctx context.Context, clientID, title, content string) (*domain.Document, error) {
	if title == "" {
		title = "text " + time.Now().UTC().Format(time.DateTime)
	}
	return e.Ingest(ctx, IngestRequest{ClientID: clientID, Title: title, Content: content, SourceType: domain.SourceText})
}

// AddFile ingests a UTF-8 text file (plain text, markdown, csv and similar).
func (e *Engine) AddFile(ctx context.Context, clientID, path string) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not UTF-8 text", domain.ErrValidation, path)
	}
	return e.Ingest(ctx, IngestRequest{
		ClientID:   clientID,
		Title:      filepath.Base(path),
		Content:    string(data),
		SourceType: domain.SourceFile,
	})
}

// AddURL renders a page and ingests its visible text.
func (e *Engine) AddURL(ctx context.Context, clientID, url string) (*domain.Document, error) {
	if e.fetcher == nil {
		return nil, fmt.Errorf("no page fetcher configured")
	}
	title, text, err := e.fetcher.PageText(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if title == "" {
		title = url
	}
	return e.Ingest(ctx, IngestRequest{
		ClientID:   clientID,
		Title:      title,
		Content:    text,
		SourceType: domain.SourceURL,
		SourceURL:  url,
	})
}

func (e *Engine) ListDocuments(ctx context.Context, clientID string) ([]domain.Document, error) {
	return e.store.ListDocuments(ctx, clientID)
}

func (e *Engine) DeleteDocument(ctx context.Context, clientID, id string) error {
	return e.store.DeleteDocument(ctx, clientID, id)
}
