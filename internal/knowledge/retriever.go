package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/metrics"
	"agentdesk/internal/trace"
)

// Retriever answers keyword searches against one client's chunks.
type Retriever struct {
	store         domain.KnowledgeStore
	topK          int
	maxCandidates int
	timeout       time.Duration
	logger        *slog.Logger
}

type RetrieverConfig struct {
	Store         domain.KnowledgeStore
	TopK          int           // default result count (default: 3)
	MaxCandidates int           // ranked rows pulled from the store (default: 200)
	Timeout       time.Duration // per-search bound (default: 2s)
	Logger        *slog.Logger
}

func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{
		store:         cfg.Store,
		topK:          cfg.TopK,
		maxCandidates: cfg.MaxCandidates,
		timeout:       cfg.Timeout,
		logger:        cfg.Logger,
	}
}

// Search returns up to limit chunks belonging to clientID, most relevant
// first. A store failure or timeout is logged and yields an empty result;
// callers never see an error from retrieval.
func (r *Retriever) Search(ctx context.Context, clientID, query string, limit int) []domain.ScoredChunk {
	if limit <= 0 {
		limit = r.topK
	}
	keywords := Keywords(query)
	if clientID == "" || len(keywords) == 0 {
		return nil
	}

	ctx, span := trace.StartSpan(ctx, trace.SpanRetrieve, trace.AttrClientID.String(clientID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	candidates, err := r.store.CandidateChunks(ctx, clientID, keywords, max(limit, r.maxCandidates))
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrRetrievalDegraded, err)
		trace.RecordError(span, err)
		metrics.RetrievalDegraded.Inc()
		r.logger.Warn("knowledge search degraded, continuing without context",
			"client_id", clientID, "timeout", errors.Is(err, context.DeadlineExceeded), "err", err)
		return nil
	}

	results := Rank(candidates, keywords, limit)
	span.SetAttributes(trace.AttrChunks.Int(len(results)))
	r.logger.Debug("knowledge search", "client_id", clientID, "keywords", keywords,
		"candidates", len(candidates), "results", len(results))
	return results
}

// BuildContext renders search results as a plain-text block for the system
// prompt, capped at maxChars runes. Chunks past the cap are dropped; a first
// chunk longer than the cap is truncated.
func BuildContext(results []domain.ScoredChunk, maxChars int) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	used := 0
	for i, r := range results {
		var part strings.Builder
		if i > 0 {
			part.WriteString("\n\n")
		}
		if r.DocTitle != "" {
			fmt.Fprintf(&part, "[%s, part %d]\n", r.DocTitle, r.Chunk.ChunkIndex+1)
		}
		part.WriteString(strings.TrimSpace(r.Chunk.Content))

		text := part.String()
		n := len([]rune(text))
		if maxChars > 0 && used+n > maxChars {
			if i == 0 {
				sb.WriteString(string([]rune(text)[:maxChars]))
			}
			break
		}
		sb.WriteString(text)
		used += n
	}
	return sb.String()
}
