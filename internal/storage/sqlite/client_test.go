package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitechat/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return client
}

func seedTestConnection(t *testing.T, client *Client) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		ID:          "conn-1",
		WebsiteURL:  "https://acme.test",
		WebsiteName: "Acme",
		Status:      models.StatusDraft,
		Version:     1,
	}
	require.NoError(t, client.InsertConnection(conn))
	return conn
}

func TestConnectionRoundTrip(t *testing.T) {
	client := newTestClient(t)
	conn := seedTestConnection(t, client)
	conn.BehaviorProfile = models.BehaviorProfile{Role: "Support agent", Tone: "Friendly"}
	conn.Policies = []string{"no discounts"}
	require.NoError(t, client.UpdateConnectionConfig(conn))

	loaded, err := client.GetConnection("conn-1")

	require.NoError(t, err)
	assert.Equal(t, "https://acme.test", loaded.WebsiteURL)
	assert.Equal(t, models.StatusDraft, loaded.Status)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, "Support agent", loaded.BehaviorProfile.Role)
	assert.Equal(t, []string{"no discounts"}, loaded.Policies)
}

func TestUpdateConnectionVersioned(t *testing.T) {
	client := newTestClient(t)
	conn := seedTestConnection(t, client)

	conn.Status = models.StatusConnected
	conn.OnboardingStep = 2
	conn.Version = 2
	require.NoError(t, client.UpdateConnectionVersioned(conn, 1))

	loaded, err := client.GetConnection("conn-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, loaded.Status)
	assert.Equal(t, int64(2), loaded.Version)

	// A stale writer loses.
	conn.Version = 3
	err = client.UpdateConnectionVersioned(conn, 1)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	loaded, err = client.GetConnection("conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestUpdateConnectionMetaDoesNotBumpVersion(t *testing.T) {
	client := newTestClient(t)
	conn := seedTestConnection(t, client)

	conn.OnboardingMeta.Events = append(conn.OnboardingMeta.Events, models.OnboardingEvent{
		Event: "STEP_VIEWED",
		At:    time.Now(),
	})
	require.NoError(t, client.UpdateConnectionMeta(conn))

	loaded, err := client.GetConnection("conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	require.Len(t, loaded.OnboardingMeta.Events, 1)
}

func TestConnectionLockRoundTrip(t *testing.T) {
	client := newTestClient(t)
	seedTestConnection(t, client)

	holder := "discovery"
	lockedAt := time.Now()
	require.NoError(t, client.UpdateConnectionLock("conn-1", &holder, &lockedAt))

	loaded, err := client.GetConnection("conn-1")
	require.NoError(t, err)
	require.NotNil(t, loaded.StateLockedBy)
	assert.Equal(t, "discovery", *loaded.StateLockedBy)
	require.NotNil(t, loaded.StateLockedAt)

	require.NoError(t, client.UpdateConnectionLock("conn-1", nil, nil))
	loaded, err = client.GetConnection("conn-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.StateLockedBy)
	assert.Nil(t, loaded.StateLockedAt)
}

func TestChunkLifecycle(t *testing.T) {
	client := newTestClient(t)
	seedTestConnection(t, client)

	chunk := &models.KnowledgeChunk{
		ID:              "chunk-1",
		ConnectionID:    "conn-1",
		SourceURL:       "https://acme.test/faq",
		Text:            "Refund details",
		Status:          models.ChunkReady,
		Visibility:      models.VisibilityShadow,
		ConfidenceScore: 0.5,
	}
	require.NoError(t, client.InsertChunk(chunk))

	count, err := client.CountChunksByStatus("conn-1", models.ChunkReady)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Upsert on the same id must not duplicate.
	chunk.Text = "Refund details, updated"
	require.NoError(t, client.InsertChunk(chunk))
	count, err = client.CountChunksByStatus("conn-1", models.ChunkReady)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, client.ApproveChunk("chunk-1"))
	chunks, err := client.FindChunksByStatus("conn-1", models.ChunkReady)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.VisibilityActive, chunks[0].Visibility)
	assert.Equal(t, "Refund details, updated", chunks[0].Text)
}

func TestAdjustChunkConfidenceClamps(t *testing.T) {
	client := newTestClient(t)
	seedTestConnection(t, client)

	chunk := &models.KnowledgeChunk{
		ID:              "chunk-1",
		ConnectionID:    "conn-1",
		Text:            "text",
		Status:          models.ChunkReady,
		Visibility:      models.VisibilityActive,
		ConfidenceScore: 0.95,
	}
	require.NoError(t, client.InsertChunk(chunk))

	require.NoError(t, client.AdjustChunkConfidence("chunk-1", 0.2))
	chunks, err := client.FindChunksByStatus("conn-1", models.ChunkReady)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, chunks[0].ConfidenceScore, 0.001)

	for i := 0; i < 10; i++ {
		require.NoError(t, client.AdjustChunkConfidence("chunk-1", -0.15))
	}
	chunks, err = client.FindChunksByStatus("conn-1", models.ChunkReady)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, chunks[0].ConfidenceScore, 0.001)
}

func TestFindOrDefaultPolicy(t *testing.T) {
	client := newTestClient(t)
	seedTestConnection(t, client)

	policy, err := client.FindOrDefaultPolicy("conn-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, policy.MinAnswerConfidence, 0.001)
	assert.Equal(t, 1, policy.MinSourceCount)
	assert.Equal(t, models.ActionSoftAnswer, policy.LowConfidenceAction)

	policy.MinAnswerConfidence = 0.8
	policy.LowConfidenceAction = models.ActionEscalate
	require.NoError(t, client.UpsertPolicy(policy))

	loaded, err := client.FindOrDefaultPolicy("conn-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, loaded.MinAnswerConfidence, 0.001)
	assert.Equal(t, models.ActionEscalate, loaded.LowConfidenceAction)
}

func TestSessionAndMessagePersistence(t *testing.T) {
	client := newTestClient(t)
	seedTestConnection(t, client)

	require.NoError(t, client.InsertSession(&models.ChatSession{
		ID:           "sess-1",
		ConnectionID: "conn-1",
		IsTest:       true,
	}))
	require.NoError(t, client.InsertSession(&models.ChatSession{
		ID:           "sess-2",
		ConnectionID: "conn-1",
	}))

	testCount, err := client.CountSessions("conn-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, testCount)

	total, err := client.CountSessions("conn-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	confidence := 0.7
	require.NoError(t, client.InsertMessage(&models.ChatMessage{
		ID:        "msg-1",
		SessionID: "sess-1",
		Role:      "user",
		Content:   "refund policy?",
	}))
	require.NoError(t, client.InsertMessage(&models.ChatMessage{
		ID:             "msg-2",
		SessionID:      "sess-1",
		Role:           "assistant",
		Content:        "30 days.",
		Confidence:     &confidence,
		GateReason:     "",
		OriginalAnswer: "",
	}))

	messages, err := client.GetSessionMessages("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	require.NotNil(t, messages[1].Confidence)
	assert.InDelta(t, 0.7, *messages[1].Confidence, 0.001)
}
