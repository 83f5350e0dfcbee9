package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/knowledge"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

// Embedder turns text into a vector; satisfied by the LLM client.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Client is a milvus-backed implementation of knowledge.Ranker. It replaces
// the default token-overlap scorer when configured; trust-tier partitioning
// stays in the retriever either way.
type Client struct {
	client         client.Client
	embedder       Embedder
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int, embedder Embedder) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (v *Client) Close() error {
	return v.client.Close()
}

func (v *Client) CreateCollection(ctx context.Context) error {
	has, err := v.client.HasCollection(ctx, v.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", v.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: v.collectionName,
		Description:    "Website knowledge chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "connection_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", v.vectorDim),
				},
			},
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = v.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	err = v.client.CreateIndex(ctx, v.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = v.client.LoadCollection(ctx, v.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", v.collectionName))

	return nil
}

func (v *Client) InsertEmbeddings(ctx context.Context, connectionID string, chunkIDs []string, embeddings [][]float32) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	connectionIDs := make([]string, len(chunkIDs))
	timestamps := make([]int64, len(chunkIDs))
	now := time.Now().Unix()
	for i := range chunkIDs {
		connectionIDs[i] = connectionID
		timestamps[i] = now
	}

	_, err := v.client.Insert(
		ctx,
		v.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("connection_id", connectionIDs),
		entity.NewColumnFloatVector("embedding", v.vectorDim, embeddings),
		entity.NewColumnInt64("timestamp", timestamps),
	)

	if err != nil {
		return fmt.Errorf("failed to insert embeddings: %w", err)
	}

	err = v.client.Flush(ctx, v.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Embeddings inserted into vector DB", zap.Int("count", len(chunkIDs)))

	return nil
}

// Rank embeds the query, searches milvus scoped to the chunks' tenant and
// maps similarity back onto the candidate set. Chunks missing from the index
// score zero, so freshly ingested content degrades to unranked, not dropped.
func (v *Client) Rank(ctx context.Context, query string, chunks []models.KnowledgeChunk) ([]knowledge.ScoredChunk, error) {
	scored := make([]knowledge.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		scored = append(scored, knowledge.ScoredChunk{KnowledgeChunk: chunk})
	}
	if len(chunks) == 0 {
		return scored, nil
	}

	embedding, err := v.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	expr := fmt.Sprintf(`connection_id == "%s"`, chunks[0].ConnectionID)
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := v.client.Search(
		ctx,
		v.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id"},
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.L2,
		len(chunks),
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	scores := make(map[string]float64)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			// L2 distance: smaller is closer. Invert into a positive score.
			scores[chunkID.(string)] = 1.0 / (1.0 + float64(sr.Scores[i]))
		}
	}

	for i := range scored {
		scored[i].Score = scores[scored[i].ID]
	}

	logger.Debug("Vector ranking completed",
		zap.Int("candidates", len(chunks)),
		zap.Int("matched", len(scores)),
	)

	return scored, nil
}
