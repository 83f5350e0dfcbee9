package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitechat/backend/internal/knowledge"
	"github.com/sitechat/backend/internal/llm"
	"github.com/sitechat/backend/internal/prompt"
	"github.com/sitechat/backend/internal/storage/models"
)

type fakeChatStore struct {
	policy   *models.ConfidencePolicy
	sessions []*models.ChatSession
	messages []*models.ChatMessage
}

func (s *fakeChatStore) FindOrDefaultPolicy(connectionID string) (*models.ConfidencePolicy, error) {
	if s.policy != nil {
		return s.policy, nil
	}
	return models.DefaultConfidencePolicy(connectionID), nil
}

func (s *fakeChatStore) InsertSession(session *models.ChatSession) error {
	s.sessions = append(s.sessions, session)
	return nil
}

func (s *fakeChatStore) InsertMessage(msg *models.ChatMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeChatStore) GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

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

type fakeConnStore struct {
	conn *models.Connection
}

func (s *fakeConnStore) GetConnection(id string) (*models.Connection, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("not found")
	}
	return s.conn, nil
}

type fakeCompleter struct {
	answer     string
	err        error
	lastSystem string
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastSystem = req.SystemPrompt
	return &llm.CompletionResponse{Content: f.answer}, nil
}

type fakeCache struct {
	values map[string][]byte
	sets   int
}

func (c *fakeCache) key(connectionID, queryHash string) string {
	return connectionID + ":" + queryHash
}

func (c *fakeCache) GetAnswer(ctx context.Context, connectionID, queryHash string, response interface{}) (bool, error) {
	raw, ok := c.values[c.key(connectionID, queryHash)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, response)
}

func (c *fakeCache) SetAnswer(ctx context.Context, connectionID, queryHash string, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	if c.values == nil {
		c.values = map[string][]byte{}
	}
	c.values[c.key(connectionID, queryHash)] = raw
	c.sets++
	return nil
}

func activeChunk(id string, confidence float64) models.KnowledgeChunk {
	return models.KnowledgeChunk{
		ID:              id,
		SourceURL:       "https://acme.test/faq",
		Text:            "refund policy details",
		Status:          models.ChunkReady,
		Visibility:      models.VisibilityActive,
		ConfidenceScore: confidence,
	}
}

func newTestEngine(chunkStore *fakeChunkStore, completer *fakeCompleter, cache AnswerCache) (*Engine, *fakeChatStore) {
	store := &fakeChatStore{}
	retriever := knowledge.NewRetriever(chunkStore, nil)
	assembler := prompt.NewAssembler(&fakeConnStore{conn: &models.Connection{ID: "conn-1", WebsiteName: "Acme"}})
	return NewEngine(store, retriever, assembler, completer, cache), store
}

func TestProcessTurnCreatesSessionAndPersists(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.9)}}
	completer := &fakeCompleter{answer: "Refunds take 30 days."}
	engine, store := newTestEngine(chunkStore, completer, nil)

	response, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "what is your refund policy",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, response.SessionID)
	assert.Equal(t, "Refunds take 30 days.", response.Answer)
	assert.False(t, response.Gated)
	require.Len(t, response.Sources, 1)
	assert.InDelta(t, 0.9, response.Confidence, 0.001)

	require.Len(t, store.sessions, 1)
	require.Len(t, store.messages, 2)
	assert.Equal(t, "user", store.messages[0].Role)
	assert.Equal(t, "assistant", store.messages[1].Role)
}

func TestProcessTurnReusesSession(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.9)}}
	engine, store := newTestEngine(chunkStore, &fakeCompleter{answer: "ok"}, nil)

	response, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		SessionID:    "existing-session",
		Message:      "refund policy",
	})

	require.NoError(t, err)
	assert.Equal(t, "existing-session", response.SessionID)
	assert.Empty(t, store.sessions)
}

func TestProcessTurnGatesLowConfidence(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.3)}}
	completer := &fakeCompleter{answer: "Probably 30 days."}
	engine, store := newTestEngine(chunkStore, completer, nil)

	response, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "refund policy",
	})

	require.NoError(t, err)
	assert.True(t, response.Gated)
	assert.Contains(t, response.Answer, "please double-check: Probably 30 days.")
	assert.Contains(t, response.GateReason, "below 0.65")

	// Original answer is preserved on the persisted assistant message.
	require.Len(t, store.messages, 2)
	assert.Equal(t, "Probably 30 days.", store.messages[1].OriginalAnswer)
}

func TestProcessTurnGatesSourcelessAnswer(t *testing.T) {
	chunkStore := &fakeChunkStore{}
	completer := &fakeCompleter{answer: "We sell widgets."}
	engine, _ := newTestEngine(chunkStore, completer, nil)

	response, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "what do you sell",
	})

	require.NoError(t, err)
	assert.True(t, response.Gated)
	assert.Contains(t, response.GateReason, "0 of 1 required sources")
	assert.InDelta(t, 1.0, response.Confidence, 0.001)
}

func TestProcessTurnRetrievalFailureFailsTurn(t *testing.T) {
	chunkStore := &fakeChunkStore{err: fmt.Errorf("db locked")}
	engine, _ := newTestEngine(chunkStore, &fakeCompleter{answer: "x"}, nil)

	_, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "refund policy",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "knowledge retrieval failed")
}

func TestProcessTurnCachesNonGatedAnswers(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.9)}}
	completer := &fakeCompleter{answer: "Cached answer."}
	cache := &fakeCache{}
	engine, _ := newTestEngine(chunkStore, completer, cache)

	first, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		PageURL:      "https://acme.test/faq",
		Message:      "refund policy",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	completer.answer = "Different answer."
	second, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		SessionID:    first.SessionID,
		PageURL:      "https://acme.test/faq",
		Message:      "refund policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "Cached answer.", second.Answer)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestProcessTurnSkipsCacheForTestSessions(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.9)}}
	cache := &fakeCache{}
	engine, _ := newTestEngine(chunkStore, &fakeCompleter{answer: "ok"}, cache)

	_, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "refund policy",
		IsTest:       true,
	})

	require.NoError(t, err)
	assert.Zero(t, cache.sets)
}

func TestProcessTurnPromptIncludesKnowledge(t *testing.T) {
	chunkStore := &fakeChunkStore{chunks: []models.KnowledgeChunk{activeChunk("a", 0.9)}}
	completer := &fakeCompleter{answer: "ok"}
	engine, _ := newTestEngine(chunkStore, completer, nil)

	_, err := engine.ProcessTurn(context.Background(), Request{
		ConnectionID: "conn-1",
		Message:      "refund policy",
	})

	require.NoError(t, err)
	assert.Contains(t, completer.lastSystem, "APPROVED KNOWLEDGE")
	assert.Contains(t, completer.lastSystem, "refund policy details")
}
