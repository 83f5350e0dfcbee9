package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		website_url TEXT NOT NULL DEFAULT '',
		website_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		onboarding_step INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 0,
		state_locked_by TEXT,
		state_locked_at INTEGER,
		onboarding_meta TEXT NOT NULL DEFAULT '{"events":[]}',
		onboarding_completed_at INTEGER,
		behavior_profile TEXT NOT NULL DEFAULT '{}',
		behavior_overrides TEXT NOT NULL DEFAULT '[]',
		policies TEXT NOT NULL DEFAULT '[]',
		system_prompt TEXT NOT NULL DEFAULT '',
		widget_config TEXT NOT NULL DEFAULT '{}',
		health_score INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
	CREATE INDEX IF NOT EXISTS idx_connections_activity ON connections(last_activity_at);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		visibility TEXT NOT NULL DEFAULT 'SHADOW',
		confidence_score REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_connection ON knowledge_chunks(connection_id, status);
	CREATE INDEX IF NOT EXISTS idx_chunks_visibility ON knowledge_chunks(connection_id, visibility);

	CREATE TABLE IF NOT EXISTS confidence_policies (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL UNIQUE,
		min_answer_confidence REAL NOT NULL DEFAULT 0.65,
		min_source_count INTEGER NOT NULL DEFAULT 1,
		low_confidence_action TEXT NOT NULL DEFAULT 'SOFT_ANSWER',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		visitor_id TEXT NOT NULL DEFAULT '',
		page_url TEXT NOT NULL DEFAULT '',
		is_test INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_connection ON chat_sessions(connection_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL,
		gate_reason TEXT NOT NULL DEFAULT '',
		original_answer TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS chunk_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chunk_id TEXT NOT NULL,
		message_id TEXT,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (chunk_id) REFERENCES knowledge_chunks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_chunk ON chunk_feedback(chunk_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertConnection(conn *models.Connection) error {
	metaJSON, _ := json.Marshal(conn.OnboardingMeta)
	profileJSON, _ := json.Marshal(conn.BehaviorProfile)
	overridesJSON, _ := json.Marshal(conn.BehaviorOverrides)
	policiesJSON, _ := json.Marshal(conn.Policies)
	widgetJSON, _ := json.Marshal(conn.WidgetConfig)

	query := `
		INSERT INTO connections (id, website_url, website_name, status, onboarding_step, version,
			onboarding_meta, behavior_profile, behavior_overrides, policies, system_prompt,
			widget_config, health_score, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := c.db.Exec(
		query,
		conn.ID,
		conn.WebsiteURL,
		conn.WebsiteName,
		string(conn.Status),
		conn.OnboardingStep,
		conn.Version,
		string(metaJSON),
		string(profileJSON),
		string(overridesJSON),
		string(policiesJSON),
		conn.SystemPrompt,
		string(widgetJSON),
		conn.HealthScore,
		now.Unix(),
		now.Unix(),
		now.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}

	logger.Info("Connection created", zap.String("connection_id", conn.ID))
	return nil
}

func (c *Client) GetConnection(id string) (*models.Connection, error) {
	query := `
		SELECT id, website_url, website_name, status, onboarding_step, version,
			state_locked_by, state_locked_at, onboarding_meta, onboarding_completed_at,
			behavior_profile, behavior_overrides, policies, system_prompt, widget_config,
			health_score, created_at, updated_at, last_activity_at
		FROM connections WHERE id = ?
	`

	row := c.db.QueryRow(query, id)
	return scanConnection(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var conn models.Connection
	var status string
	var lockedBy sql.NullString
	var lockedAt, completedAt sql.NullInt64
	var metaJSON, profileJSON, overridesJSON, policiesJSON, widgetJSON string
	var createdAt, updatedAt, activityAt int64

	err := row.Scan(
		&conn.ID,
		&conn.WebsiteURL,
		&conn.WebsiteName,
		&status,
		&conn.OnboardingStep,
		&conn.Version,
		&lockedBy,
		&lockedAt,
		&metaJSON,
		&completedAt,
		&profileJSON,
		&overridesJSON,
		&policiesJSON,
		&conn.SystemPrompt,
		&widgetJSON,
		&conn.HealthScore,
		&createdAt,
		&updatedAt,
		&activityAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	conn.Status = models.ConnectionStatus(status)
	if lockedBy.Valid {
		conn.StateLockedBy = &lockedBy.String
	}
	if lockedAt.Valid {
		t := time.Unix(lockedAt.Int64, 0)
		conn.StateLockedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		conn.OnboardingCompletedAt = &t
	}

	json.Unmarshal([]byte(metaJSON), &conn.OnboardingMeta)
	json.Unmarshal([]byte(profileJSON), &conn.BehaviorProfile)
	json.Unmarshal([]byte(overridesJSON), &conn.BehaviorOverrides)
	json.Unmarshal([]byte(policiesJSON), &conn.Policies)
	json.Unmarshal([]byte(widgetJSON), &conn.WidgetConfig)

	conn.CreatedAt = time.Unix(createdAt, 0)
	conn.UpdatedAt = time.Unix(updatedAt, 0)
	conn.LastActivityAt = time.Unix(activityAt, 0)

	return &conn, nil
}

// UpdateConnectionVersioned persists the full onboarding state of conn only if
// the stored version still equals expectedVersion. Returns ErrVersionConflict
// when another writer won the race.
func (c *Client) UpdateConnectionVersioned(conn *models.Connection, expectedVersion int64) error {
	metaJSON, _ := json.Marshal(conn.OnboardingMeta)

	var completedAt interface{}
	if conn.OnboardingCompletedAt != nil {
		completedAt = conn.OnboardingCompletedAt.Unix()
	}

	query := `
		UPDATE connections
		SET status = ?, onboarding_step = ?, version = ?, onboarding_meta = ?,
			onboarding_completed_at = ?, updated_at = ?, last_activity_at = ?
		WHERE id = ? AND version = ?
	`

	now := time.Now()
	result, err := c.db.Exec(
		query,
		string(conn.Status),
		conn.OnboardingStep,
		conn.Version,
		string(metaJSON),
		completedAt,
		now.Unix(),
		now.Unix(),
		conn.ID,
		expectedVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrVersionConflict
	}

	return nil
}

// UpdateConnectionMeta persists only the onboarding event log. Used by
// analytics writes that must not bump the version.
func (c *Client) UpdateConnectionMeta(conn *models.Connection) error {
	metaJSON, _ := json.Marshal(conn.OnboardingMeta)

	query := `UPDATE connections SET onboarding_meta = ?, last_activity_at = ?, updated_at = ? WHERE id = ?`

	now := time.Now()
	_, err := c.db.Exec(query, string(metaJSON), now.Unix(), now.Unix(), conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection meta: %w", err)
	}

	return nil
}

func (c *Client) UpdateConnectionLock(id string, lockedBy *string, lockedAt *time.Time) error {
	var by interface{}
	var at interface{}
	if lockedBy != nil {
		by = *lockedBy
	}
	if lockedAt != nil {
		at = lockedAt.Unix()
	}

	query := `UPDATE connections SET state_locked_by = ?, state_locked_at = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, by, at, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection lock: %w", err)
	}

	return nil
}

func (c *Client) UpdateConnectionConfig(conn *models.Connection) error {
	profileJSON, _ := json.Marshal(conn.BehaviorProfile)
	overridesJSON, _ := json.Marshal(conn.BehaviorOverrides)
	policiesJSON, _ := json.Marshal(conn.Policies)
	widgetJSON, _ := json.Marshal(conn.WidgetConfig)

	query := `
		UPDATE connections
		SET website_url = ?, website_name = ?, behavior_profile = ?, behavior_overrides = ?,
			policies = ?, system_prompt = ?, widget_config = ?, health_score = ?,
			updated_at = ?, last_activity_at = ?
		WHERE id = ?
	`

	now := time.Now()
	_, err := c.db.Exec(
		query,
		conn.WebsiteURL,
		conn.WebsiteName,
		string(profileJSON),
		string(overridesJSON),
		string(policiesJSON),
		conn.SystemPrompt,
		string(widgetJSON),
		conn.HealthScore,
		now.Unix(),
		now.Unix(),
		conn.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update connection config: %w", err)
	}

	return nil
}

func (c *Client) ListConnections() ([]*models.Connection, error) {
	query := `
		SELECT id, website_url, website_name, status, onboarding_step, version,
			state_locked_by, state_locked_at, onboarding_meta, onboarding_completed_at,
			behavior_profile, behavior_overrides, policies, system_prompt, widget_config,
			health_score, created_at, updated_at, last_activity_at
		FROM connections
	`

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	return conns, nil
}

func (c *Client) InsertChunk(chunk *models.KnowledgeChunk) error {
	query := `
		INSERT INTO knowledge_chunks (id, connection_id, source_url, title, text, chunk_index,
			status, visibility, confidence_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	_, err := c.db.Exec(
		query,
		chunk.ID,
		chunk.ConnectionID,
		chunk.SourceURL,
		chunk.Title,
		chunk.Text,
		chunk.ChunkIndex,
		string(chunk.Status),
		string(chunk.Visibility),
		chunk.ConfidenceScore,
		now.Unix(),
		now.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

func (c *Client) CountChunksByStatus(connectionID string, status models.ChunkStatus) (int, error) {
	query := `SELECT COUNT(*) FROM knowledge_chunks WHERE connection_id = ? AND status = ?`

	var count int
	err := c.db.QueryRow(query, connectionID, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	return count, nil
}

func (c *Client) FindChunksByStatus(connectionID string, status models.ChunkStatus) ([]models.KnowledgeChunk, error) {
	query := `
		SELECT id, connection_id, source_url, title, text, chunk_index, status, visibility,
			confidence_score, created_at, updated_at
		FROM knowledge_chunks
		WHERE connection_id = ? AND status = ?
	`

	rows, err := c.db.Query(query, connectionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to find chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.KnowledgeChunk
	for rows.Next() {
		var chunk models.KnowledgeChunk
		var chunkStatus, visibility string
		var createdAt, updatedAt int64

		err := rows.Scan(
			&chunk.ID,
			&chunk.ConnectionID,
			&chunk.SourceURL,
			&chunk.Title,
			&chunk.Text,
			&chunk.ChunkIndex,
			&chunkStatus,
			&visibility,
			&chunk.ConfidenceScore,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		chunk.Status = models.ChunkStatus(chunkStatus)
		chunk.Visibility = models.ChunkVisibility(visibility)
		chunk.CreatedAt = time.Unix(createdAt, 0)
		chunk.UpdatedAt = time.Unix(updatedAt, 0)
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

func (c *Client) ApproveChunk(chunkID string) error {
	query := `UPDATE knowledge_chunks SET visibility = ?, status = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, string(models.VisibilityActive), string(models.ChunkReady), time.Now().Unix(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to approve chunk: %w", err)
	}

	logger.Info("Chunk approved", zap.String("chunk_id", chunkID))
	return nil
}

// AdjustChunkConfidence applies a feedback delta, clamped to [0,1].
func (c *Client) AdjustChunkConfidence(chunkID string, delta float64) error {
	query := `
		UPDATE knowledge_chunks
		SET confidence_score = MAX(0.0, MIN(1.0, confidence_score + ?)), updated_at = ?
		WHERE id = ?
	`

	_, err := c.db.Exec(query, delta, time.Now().Unix(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to adjust chunk confidence: %w", err)
	}

	return nil
}

func (c *Client) FindOrDefaultPolicy(connectionID string) (*models.ConfidencePolicy, error) {
	query := `
		SELECT id, connection_id, min_answer_confidence, min_source_count, low_confidence_action,
			created_at, updated_at
		FROM confidence_policies WHERE connection_id = ?
	`

	var policy models.ConfidencePolicy
	var action string
	var createdAt, updatedAt int64

	err := c.db.QueryRow(query, connectionID).Scan(
		&policy.ID,
		&policy.ConnectionID,
		&policy.MinAnswerConfidence,
		&policy.MinSourceCount,
		&action,
		&createdAt,
		&updatedAt,
	)

	if err == sql.ErrNoRows {
		return models.DefaultConfidencePolicy(connectionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confidence policy: %w", err)
	}

	policy.LowConfidenceAction = models.LowConfidenceAction(action)
	policy.CreatedAt = time.Unix(createdAt, 0)
	policy.UpdatedAt = time.Unix(updatedAt, 0)

	return &policy, nil
}

func (c *Client) UpsertPolicy(policy *models.ConfidencePolicy) error {
	query := `
		INSERT INTO confidence_policies (id, connection_id, min_answer_confidence, min_source_count,
			low_confidence_action, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			min_answer_confidence = excluded.min_answer_confidence,
			min_source_count = excluded.min_source_count,
			low_confidence_action = excluded.low_confidence_action,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	_, err := c.db.Exec(
		query,
		policy.ID,
		policy.ConnectionID,
		policy.MinAnswerConfidence,
		policy.MinSourceCount,
		string(policy.LowConfidenceAction),
		now.Unix(),
		now.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert confidence policy: %w", err)
	}

	return nil
}

func (c *Client) InsertSession(session *models.ChatSession) error {
	query := `INSERT INTO chat_sessions (id, connection_id, visitor_id, page_url, is_test, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	isTest := 0
	if session.IsTest {
		isTest = 1
	}

	_, err := c.db.Exec(
		query,
		session.ID,
		session.ConnectionID,
		session.VisitorID,
		session.PageURL,
		isTest,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return nil
}

func (c *Client) CountSessions(connectionID string, testOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM chat_sessions WHERE connection_id = ?`
	args := []interface{}{connectionID}
	if testOnly {
		query += ` AND is_test = 1`
	}

	var count int
	err := c.db.QueryRow(query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	return count, nil
}

func (c *Client) InsertMessage(msg *models.ChatMessage) error {
	query := `
		INSERT INTO chat_messages (id, session_id, role, content, confidence, gate_reason, original_answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msg.Confidence,
		msg.GateReason,
		msg.OriginalAnswer,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

func (c *Client) GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, content, confidence, gate_reason, original_answer, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var createdAt int64

		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Confidence,
			&msg.GateReason, &msg.OriginalAnswer, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}

	return messages, nil
}

func (c *Client) InsertChunkFeedback(fb *models.ChunkFeedback) error {
	query := `INSERT INTO chunk_feedback (chunk_id, message_id, helpful, comment, created_at) VALUES (?, ?, ?, ?, ?)`

	helpful := 0
	if fb.Helpful {
		helpful = 1
	}

	_, err := c.db.Exec(query, fb.ChunkID, fb.MessageID, helpful, fb.Comment, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert chunk feedback: %w", err)
	}

	logger.Info("Chunk feedback stored", zap.String("chunk_id", fb.ChunkID), zap.Bool("helpful", fb.Helpful))
	return nil
}
