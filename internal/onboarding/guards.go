package onboarding

import (
	"fmt"
	"strings"

	"github.com/sitechat/backend/internal/storage/models"
)

// GuardStore is the slice of the storage layer guards are allowed to see.
// Guard checks must be bounded count queries, never scans.
type GuardStore interface {
	CountChunksByStatus(connectionID string, status models.ChunkStatus) (int, error)
	CountSessions(connectionID string, testOnly bool) (int, error)
}

type GuardResult struct {
	OK     bool
	Reason string
}

// Guard decides whether an edge may be taken. Guards derive everything from
// the tenant snapshot and the store, never from caller-supplied flags.
type Guard func(conn *models.Connection, store GuardStore) GuardResult

func guardWebsiteURL(conn *models.Connection, _ GuardStore) GuardResult {
	if strings.TrimSpace(conn.WebsiteURL) == "" {
		return GuardResult{Reason: "Website URL must be set before connecting"}
	}
	return GuardResult{OK: true}
}

func guardWebsiteName(conn *models.Connection, _ GuardStore) GuardResult {
	if strings.TrimSpace(conn.WebsiteName) == "" {
		return GuardResult{Reason: "Website name must be set before discovery can start"}
	}
	return GuardResult{OK: true}
}

func guardReadyKnowledge(conn *models.Connection, store GuardStore) GuardResult {
	count, err := store.CountChunksByStatus(conn.ID, models.ChunkReady)
	if err != nil {
		return GuardResult{Reason: fmt.Sprintf("Knowledge store check failed: %v", err)}
	}
	if count == 0 {
		return GuardResult{Reason: "At least one ready knowledge chunk is required before training completes"}
	}
	return GuardResult{OK: true}
}

func guardBehaviorProfile(conn *models.Connection, _ GuardStore) GuardResult {
	if conn.BehaviorProfile.ConfiguredKeys() == 0 {
		return GuardResult{Reason: "Configure at least one behavior setting (role, tone, length or temperature)"}
	}
	return GuardResult{OK: true}
}

func guardTestSession(conn *models.Connection, store GuardStore) GuardResult {
	count, err := store.CountSessions(conn.ID, true)
	if err != nil {
		return GuardResult{Reason: fmt.Sprintf("Chat session store check failed: %v", err)}
	}
	if count == 0 {
		return GuardResult{Reason: "Send at least one test chat before marking the bot ready"}
	}
	return GuardResult{OK: true}
}

func guardHealthScore(conn *models.Connection, _ GuardStore) GuardResult {
	if conn.HealthScore < 80 {
		return GuardResult{Reason: fmt.Sprintf("Health score %d is below the launch threshold of 80", conn.HealthScore)}
	}
	return GuardResult{OK: true}
}
