package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/knowledge"
	"github.com/sitechat/backend/internal/llm"
	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/prompt"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
	"github.com/sitechat/backend/pkg/utils"
)

// ChatStore is the persistence slice the chat turn needs.
type ChatStore interface {
	FindOrDefaultPolicy(connectionID string) (*models.ConfidencePolicy, error)
	InsertSession(session *models.ChatSession) error
	InsertMessage(msg *models.ChatMessage) error
	GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error)
}

// Completer is satisfied by the LLM client.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// AnswerCache is satisfied by the redis client; a nil cache disables caching.
type AnswerCache interface {
	GetAnswer(ctx context.Context, connectionID, queryHash string, response interface{}) (bool, error)
	SetAnswer(ctx context.Context, connectionID, queryHash string, response interface{}) error
}

type Engine struct {
	store     ChatStore
	retriever *knowledge.Retriever
	assembler *prompt.Assembler
	llmClient Completer
	cache     AnswerCache
}

type Request struct {
	ConnectionID string
	SessionID    string
	VisitorID    string
	PageURL      string
	Message      string
	IsTest       bool
}

type Source struct {
	ChunkID    string  `json:"chunk_id"`
	SourceURL  string  `json:"source_url"`
	Confidence float64 `json:"confidence"`
}

type Response struct {
	SessionID  string   `json:"session_id"`
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Gated      bool     `json:"gated"`
	GateReason string   `json:"gate_reason,omitempty"`
	Sources    []Source `json:"sources"`
	LatencyMS  int      `json:"latency_ms"`
}

func NewEngine(store ChatStore, retriever *knowledge.Retriever, assembler *prompt.Assembler, llmClient Completer, cache AnswerCache) *Engine {
	return &Engine{
		store:     store,
		retriever: retriever,
		assembler: assembler,
		llmClient: llmClient,
		cache:     cache,
	}
}

// ProcessTurn runs one visitor message through retrieval, prompt assembly,
// the LLM and the confidence gate, then persists the exchange.
func (e *Engine) ProcessTurn(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
		err := e.store.InsertSession(&models.ChatSession{
			ID:           sessionID,
			ConnectionID: req.ConnectionID,
			VisitorID:    req.VisitorID,
			PageURL:      req.PageURL,
			IsTest:       req.IsTest,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	queryHash := utils.HashString(req.PageURL + "|" + req.Message)
	if e.cache != nil && !req.IsTest {
		var cached Response
		hit, err := e.cache.GetAnswer(ctx, req.ConnectionID, queryHash, &cached)
		if err != nil {
			logger.Warn("Answer cache lookup failed", zap.Error(err))
		} else if hit {
			metrics.CacheHits.WithLabelValues("answer").Inc()
			cached.SessionID = sessionID
			return &cached, nil
		}
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}

	// Retrieval failing must fail the turn: answering without the trust
	// partition would let shadow content pass as authoritative.
	ragContext, err := e.retriever.RetrieveKnowledge(ctx, req.ConnectionID, req.Message)
	if err != nil {
		return nil, fmt.Errorf("knowledge retrieval failed: %w", err)
	}

	systemPrompt := e.assembler.AssemblePrompt(req.ConnectionID, req.PageURL, ragContext)

	completion, err := e.llmClient.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   req.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	answer := completion.Content

	// Only active chunks count as sources; shadow content never lends an
	// answer authority.
	sources := make([]Source, 0, len(ragContext.Active))
	sourceScores := make([]float64, 0, len(ragContext.Active))
	for _, chunk := range ragContext.Active {
		sources = append(sources, Source{
			ChunkID:    chunk.ID,
			SourceURL:  chunk.SourceURL,
			Confidence: chunk.ConfidenceScore,
		})
		sourceScores = append(sourceScores, chunk.ConfidenceScore)
	}

	aggregate := AggregateConfidence(sourceScores)
	metrics.AnswerConfidence.Observe(aggregate)

	policy, err := e.store.FindOrDefaultPolicy(req.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load confidence policy: %w", err)
	}

	decision := EvaluateGate(answer, aggregate, len(sources), policy)
	if decision.Gated {
		logger.Info("Confidence gate fired",
			zap.String("connection_id", req.ConnectionID),
			zap.String("action", string(policy.LowConfidenceAction)),
			zap.String("reason", decision.Reason),
		)
		answer = decision.Replacement
	}

	e.persistExchange(sessionID, req.Message, answer, aggregate, decision)

	latency := int(time.Since(startTime).Milliseconds())
	transport := "http"
	metrics.ChatTurnDuration.WithLabelValues(transport).Observe(time.Since(startTime).Seconds())

	response := &Response{
		SessionID:  sessionID,
		Answer:     answer,
		Confidence: aggregate,
		Gated:      decision.Gated,
		GateReason: decision.Reason,
		Sources:    sources,
		LatencyMS:  latency,
	}

	if e.cache != nil && !req.IsTest && !decision.Gated {
		if err := e.cache.SetAnswer(ctx, req.ConnectionID, queryHash, response); err != nil {
			logger.Warn("Failed to cache answer", zap.Error(err))
		}
	}

	logger.Info("Chat turn processed",
		zap.String("connection_id", req.ConnectionID),
		zap.String("session_id", sessionID),
		zap.Float64("confidence", aggregate),
		zap.Bool("gated", decision.Gated),
		zap.Int("latency_ms", latency),
	)

	return response, nil
}

// persistExchange stores both sides of the turn. Persistence failures are
// logged, not fatal: the visitor already has their answer.
func (e *Engine) persistExchange(sessionID, question, answer string, confidence float64, decision *GateDecision) {
	err := e.store.InsertMessage(&models.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      "user",
		Content:   question,
	})
	if err != nil {
		logger.Error("Failed to persist user message", zap.Error(err))
	}

	err = e.store.InsertMessage(&models.ChatMessage{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Role:           "assistant",
		Content:        answer,
		Confidence:     &confidence,
		GateReason:     decision.Reason,
		OriginalAnswer: decision.OriginalAnswer,
	})
	if err != nil {
		logger.Error("Failed to persist assistant message", zap.Error(err))
	}
}

func (e *Engine) SessionHistory(sessionID string, limit int) ([]models.ChatMessage, error) {
	messages, err := e.store.GetSessionMessages(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	return messages, nil
}
