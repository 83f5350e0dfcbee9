package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

const (
	maxResults  = 5
	minTokenLen = 4
)

// ChunkStore is the narrow knowledge-store contract the retriever consumes.
type ChunkStore interface {
	FindChunksByStatus(connectionID string, status models.ChunkStatus) ([]models.KnowledgeChunk, error)
}

type ScoredChunk struct {
	models.KnowledgeChunk
	Score float64
}

// Ranker scores candidate chunks against a query. The default is the
// token-overlap scorer; a vector backend can be plugged in behind the same
// seam.
type Ranker interface {
	Rank(ctx context.Context, query string, chunks []models.KnowledgeChunk) ([]ScoredChunk, error)
}

// Result partitions retrieved chunks by trust tier. Shadow content must never
// be surfaced as an authoritative answer; callers rely on this split.
type Result struct {
	Active []ScoredChunk
	Shadow []ScoredChunk
}

type Retriever struct {
	store  ChunkStore
	ranker Ranker
}

func NewRetriever(store ChunkStore, ranker Ranker) *Retriever {
	if ranker == nil {
		ranker = OverlapRanker{}
	}
	return &Retriever{
		store:  store,
		ranker: ranker,
	}
}

// RetrieveKnowledge ranks the tenant's ready chunks against the query and
// splits them into active and shadow tiers. A store failure propagates:
// answering without the trust partition is worse than not answering.
func (r *Retriever) RetrieveKnowledge(ctx context.Context, connectionID, query string) (*Result, error) {
	result := &Result{Active: []ScoredChunk{}, Shadow: []ScoredChunk{}}

	if len(Tokenize(query)) == 0 {
		return result, nil
	}

	chunks, err := r.store.FindChunksByStatus(connectionID, models.ChunkReady)
	if err != nil {
		return nil, fmt.Errorf("knowledge store unavailable: %w", err)
	}
	if len(chunks) == 0 {
		return result, nil
	}

	scored, err := r.ranker.Rank(ctx, query, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to rank chunks: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	kept := 0
	for _, chunk := range scored {
		if chunk.Score <= 0 || kept >= maxResults {
			break
		}
		kept++

		if chunk.Visibility == models.VisibilityActive {
			result.Active = append(result.Active, chunk)
		} else {
			result.Shadow = append(result.Shadow, chunk)
		}
	}

	metrics.RetrievalChunks.WithLabelValues("active").Observe(float64(len(result.Active)))
	metrics.RetrievalChunks.WithLabelValues("shadow").Observe(float64(len(result.Shadow)))

	logger.Debug("Knowledge retrieved",
		zap.String("connection_id", connectionID),
		zap.Int("active", len(result.Active)),
		zap.Int("shadow", len(result.Shadow)),
	)

	return result, nil
}

// Tokenize lowercases, strips punctuation and drops tokens shorter than four
// characters; short and stop words carry no discriminative signal.
func Tokenize(query string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, query)

	var tokens []string
	for _, token := range strings.Fields(cleaned) {
		if len(token) >= minTokenLen {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// OverlapRanker counts how many query tokens appear as substrings of the
// chunk's combined source and body text.
type OverlapRanker struct{}

func (OverlapRanker) Rank(_ context.Context, query string, chunks []models.KnowledgeChunk) ([]ScoredChunk, error) {
	tokens := Tokenize(query)

	scored := make([]ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		haystack := strings.ToLower(chunk.SourceURL + " " + chunk.Title + " " + chunk.Text)

		score := 0
		for _, token := range tokens {
			if strings.Contains(haystack, token) {
				score++
			}
		}

		scored = append(scored, ScoredChunk{KnowledgeChunk: chunk, Score: float64(score)})
	}

	return scored, nil
}
