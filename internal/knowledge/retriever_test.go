package knowledge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitechat/backend/internal/storage/models"
)

type fakeChunkStore struct {
	chunks []models.KnowledgeChunk
	err    error
}

func (s *fakeChunkStore) FindChunksByStatus(connectionID string, status models.ChunkStatus) ([]models.KnowledgeChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.chunks, nil
}

func chunk(id, text string, visibility models.ChunkVisibility) models.KnowledgeChunk {
	return models.KnowledgeChunk{
		ID:         id,
		Text:       text,
		Status:     models.ChunkReady,
		Visibility: visibility,
	}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("What's your Refund-Policy, please?!")
	assert.Equal(t, []string{"what", "your", "refund", "policy", "please"}, tokens)

	assert.Empty(t, Tokenize("a b if"))
	assert.Empty(t, Tokenize("  ?!  "))
}

func TestRetrieveKnowledgePartitionsByVisibility(t *testing.T) {
	store := &fakeChunkStore{chunks: []models.KnowledgeChunk{
		chunk("a", "our refund policy allows returns within 30 days", models.VisibilityActive),
		chunk("b", "refund requests are processed in 5 business days", models.VisibilityShadow),
		chunk("c", "unrelated shipping information", models.VisibilityActive),
	}}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "refund policy")

	require.NoError(t, err)
	require.Len(t, result.Active, 1)
	require.Len(t, result.Shadow, 1)
	assert.Equal(t, "a", result.Active[0].ID)
	assert.Equal(t, "b", result.Shadow[0].ID)
}

func TestRetrieveKnowledgeDropsZeroScores(t *testing.T) {
	store := &fakeChunkStore{chunks: []models.KnowledgeChunk{
		chunk("a", "completely unrelated content", models.VisibilityActive),
	}}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "refund policy")

	require.NoError(t, err)
	assert.Empty(t, result.Active)
	assert.Empty(t, result.Shadow)
}

func TestRetrieveKnowledgeCapsResults(t *testing.T) {
	store := &fakeChunkStore{}
	for i := 0; i < 10; i++ {
		store.chunks = append(store.chunks, chunk(
			fmt.Sprintf("chunk-%d", i),
			"refund policy details",
			models.VisibilityActive,
		))
	}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "refund policy")

	require.NoError(t, err)
	assert.Len(t, result.Active, 5)
}

func TestRetrieveKnowledgeEmptyQuery(t *testing.T) {
	store := &fakeChunkStore{chunks: []models.KnowledgeChunk{
		chunk("a", "anything", models.VisibilityActive),
	}}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "a of")

	require.NoError(t, err)
	assert.Empty(t, result.Active)
	assert.Empty(t, result.Shadow)
}

func TestRetrieveKnowledgeStoreErrorFailsClosed(t *testing.T) {
	store := &fakeChunkStore{err: fmt.Errorf("db locked")}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "refund policy")

	require.Error(t, err)
	assert.Nil(t, result)
}

func TestOverlapRankerOrdering(t *testing.T) {
	store := &fakeChunkStore{chunks: []models.KnowledgeChunk{
		chunk("weak", "refund mentioned once", models.VisibilityActive),
		chunk("strong", "refund policy: refunds follow the policy terms", models.VisibilityActive),
	}}
	retriever := NewRetriever(store, nil)

	result, err := retriever.RetrieveKnowledge(context.Background(), "conn-1", "refund policy")

	require.NoError(t, err)
	require.Len(t, result.Active, 2)
	assert.Equal(t, "strong", result.Active[0].ID)
	assert.Greater(t, result.Active[0].Score, result.Active[1].Score)
}
