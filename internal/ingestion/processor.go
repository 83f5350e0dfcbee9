package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/knowledge/vector"
	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
	"github.com/sitechat/backend/pkg/utils"
)

type ChunkWriter interface {
	InsertChunk(chunk *models.KnowledgeChunk) error
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type Processor struct {
	db        ChunkWriter
	embedder  Embedder
	vectorDB  *vector.Client
	chunkSize int
}

// NewProcessor builds the page-to-chunks pipeline. embedder and vectorDB are
// optional; without them chunks are only indexed for token-overlap retrieval.
func NewProcessor(db ChunkWriter, embedder Embedder, vectorDB *vector.Client) *Processor {
	return &Processor{
		db:        db,
		embedder:  embedder,
		vectorDB:  vectorDB,
		chunkSize: 1000,
	}
}

// ProcessPage turns one fetched page into knowledge chunks. New chunks enter
// as ready but SHADOW; admin approval promotes them to ACTIVE. Re-processing
// the same page upserts, so discovery runs are idempotent.
func (p *Processor) ProcessPage(ctx context.Context, connectionID, pageURL, htmlContent string) (int, error) {
	logger.Info("Processing page", zap.String("connection_id", connectionID), zap.String("url", pageURL))

	cleanedText := p.cleanHTML(htmlContent)
	if cleanedText == "" {
		return 0, fmt.Errorf("no content extracted from HTML")
	}

	title := p.extractTitle(htmlContent)
	pageID := utils.HashString(pageURL)

	chunks := p.chunkText(cleanedText)
	logger.Debug("Page chunked", zap.String("url", pageURL), zap.Int("chunks", len(chunks)))

	chunkIDs := make([]string, 0, len(chunks))
	for i, text := range chunks {
		chunkID := fmt.Sprintf("%s_chunk_%d", pageID, i)
		err := p.db.InsertChunk(&models.KnowledgeChunk{
			ID:              chunkID,
			ConnectionID:    connectionID,
			SourceURL:       pageURL,
			Title:           title,
			Text:            text,
			ChunkIndex:      i,
			Status:          models.ChunkReady,
			Visibility:      models.VisibilityShadow,
			ConfidenceScore: 0.5,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to insert chunk: %w", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
	}

	metrics.ChunksIngested.Add(float64(len(chunks)))

	if p.embedder != nil && p.vectorDB != nil && len(chunks) > 0 {
		embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, chunks)
		if err != nil {
			logger.Warn("Failed to generate embeddings; chunks remain overlap-only", zap.Error(err))
		} else if err := p.vectorDB.InsertEmbeddings(ctx, connectionID, chunkIDs, embeddings); err != nil {
			logger.Warn("Failed to index embeddings", zap.Error(err))
		}
	}

	return len(chunks), nil
}

func (p *Processor) cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside, noscript, iframe").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	return strings.Join(strings.Fields(text), " ")
}

func (p *Processor) extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// chunkText packs whole sentences into chunks of roughly chunkSize
// characters, so no chunk starts or ends mid-sentence.
func (p *Processor) chunkText(text string) []string {
	doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		// Sentence segmentation is best-effort; fall back to raw slicing.
		return p.chunkRaw(text)
	}

	var chunks []string
	var current strings.Builder
	for _, sentence := range doc.Sentences() {
		if current.Len() > 0 && current.Len()+len(sentence.Text) > p.chunkSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(sentence.Text)
		current.WriteString(" ")
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	return chunks
}

func (p *Processor) chunkRaw(text string) []string {
	var chunks []string
	for len(text) > 0 {
		size := p.chunkSize
		if size > len(text) {
			size = len(text)
		}
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return chunks
}
