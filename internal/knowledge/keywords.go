package knowledge

import (
	"sort"
	"strings"
	"unicode"

	"agentdesk/internal/domain"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "but": true,
	"by": true, "can": true, "do": true, "does": true, "for": true, "from": true, "have": true, "how": true,
	"i": true, "if": true, "in": true, "is": true, "it": true, "me": true, "my": true, "of": true,
	"on": true, "or": true, "our": true, "so": true, "that": true, "the": true, "their": true, "there": true,
	"this": true, "to": true, "was": true, "we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "you": true, "your": true, "us": true, "please": true,
	"tell": true, "about": true, "any": true, "am": true, "would": true, "could": true, "should": true,
}

// Keywords lowercases query, splits it on anything that is not a letter or
// digit, and drops stop-words, single-letter tokens and duplicates. Order of
// first appearance is kept.
func Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Score counts case-insensitive keyword occurrences in the chunk content and
// its document title, plus domain.DistinctKeywordBonus per distinct keyword
// present. Zero means no keyword matched.
func Score(content, title string, keywords []string) float64 {
	lower := strings.ToLower(content)
	lowerTitle := strings.ToLower(title)
	var score float64
	for _, kw := range keywords {
		n := strings.Count(lower, kw) + strings.Count(lowerTitle, kw)
		if n == 0 {
			continue
		}
		score += float64(n) + domain.DistinctKeywordBonus
	}
	return score
}

// Rank scores candidates, drops the ones scoring zero and sorts the rest by
// score descending, then ChunkIndex ascending, then DocumentID.
func Rank(candidates []domain.ScoredChunk, keywords []string, limit int) []domain.ScoredChunk {
	ranked := make([]domain.ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		c.Score = Score(c.Chunk.Content, c.DocTitle, keywords)
		if c.Score > 0 {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
		}
		return a.Chunk.DocumentID < b.Chunk.DocumentID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
