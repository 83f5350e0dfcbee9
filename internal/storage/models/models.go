package models

import (
	"errors"
	"time"
)

type ConnectionStatus string

const (
	StatusDraft       ConnectionStatus = "DRAFT"
	StatusConnected   ConnectionStatus = "CONNECTED"
	StatusDiscovering ConnectionStatus = "DISCOVERING"
	StatusTrained     ConnectionStatus = "TRAINED"
	StatusTuned       ConnectionStatus = "TUNED"
	StatusReady       ConnectionStatus = "READY"
	StatusLaunched    ConnectionStatus = "LAUNCHED"
)

type ChunkVisibility string

const (
	VisibilityActive ChunkVisibility = "ACTIVE"
	VisibilityShadow ChunkVisibility = "SHADOW"
)

type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkReady   ChunkStatus = "ready"
)

type LowConfidenceAction string

const (
	ActionRefuse     LowConfidenceAction = "REFUSE"
	ActionClarify    LowConfidenceAction = "CLARIFY"
	ActionEscalate   LowConfidenceAction = "ESCALATE"
	ActionSoftAnswer LowConfidenceAction = "SOFT_ANSWER"
)

// Connection is the tenant aggregate. Status, OnboardingStep, Version and the
// lock fields must only change through the onboarding state machine.
type Connection struct {
	ID                    string
	WebsiteURL            string
	WebsiteName           string
	Status                ConnectionStatus
	OnboardingStep        int
	Version               int64
	StateLockedBy         *string
	StateLockedAt         *time.Time
	OnboardingMeta        OnboardingMeta
	OnboardingCompletedAt *time.Time
	BehaviorProfile       BehaviorProfile
	BehaviorOverrides     []BehaviorOverride
	Policies              []string
	SystemPrompt          string
	WidgetConfig          WidgetConfig
	HealthScore           int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastActivityAt        time.Time
}

type BehaviorProfile struct {
	Role            string   `json:"role,omitempty"`
	Tone            string   `json:"tone,omitempty"`
	ResponseLength  string   `json:"responseLength,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	SalesIntensity  string   `json:"salesIntensity,omitempty"`
	PrimaryGoal     string   `json:"primaryGoal,omitempty"`
	NeverClaim      []string `json:"neverClaim,omitempty"`
	EscalationPath  string   `json:"escalationPath,omitempty"`
}

// ConfiguredKeys reports how many of the tunable keys have been set. The
// TRAINED->TUNED guard requires at least one.
func (p BehaviorProfile) ConfiguredKeys() int {
	n := 0
	if p.Role != "" {
		n++
	}
	if p.Tone != "" {
		n++
	}
	if p.ResponseLength != "" {
		n++
	}
	if p.Temperature != nil {
		n++
	}
	return n
}

type BehaviorOverride struct {
	Match       string            `json:"match"`
	Overrides   map[string]string `json:"overrides,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
}

type WidgetConfig struct {
	AssistantName string `json:"assistantName,omitempty"`
	Tone          string `json:"tone,omitempty"`
	AccentColor   string `json:"accentColor,omitempty"`
	Greeting      string `json:"greeting,omitempty"`
}

type OnboardingMeta struct {
	Events      []OnboardingEvent `json:"events"`
	StepTimings map[string]int64  `json:"stepTimings,omitempty"`
}

type OnboardingEvent struct {
	Event string                 `json:"event"`
	At    time.Time              `json:"at"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

type KnowledgeChunk struct {
	ID              string
	ConnectionID    string
	SourceURL       string
	Title           string
	Text            string
	ChunkIndex      int
	Status          ChunkStatus
	Visibility      ChunkVisibility
	ConfidenceScore float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ConfidencePolicy struct {
	ID                  string
	ConnectionID        string
	MinAnswerConfidence float64
	MinSourceCount      int
	LowConfidenceAction LowConfidenceAction
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func DefaultConfidencePolicy(connectionID string) *ConfidencePolicy {
	return &ConfidencePolicy{
		ConnectionID:        connectionID,
		MinAnswerConfidence: 0.65,
		MinSourceCount:      1,
		LowConfidenceAction: ActionSoftAnswer,
	}
}

type ChatSession struct {
	ID           string
	ConnectionID string
	VisitorID    string
	PageURL      string
	IsTest       bool
	CreatedAt    time.Time
}

type ChatMessage struct {
	ID             string
	SessionID      string
	Role           string
	Content        string
	Confidence     *float64
	GateReason     string
	OriginalAnswer string
	CreatedAt      time.Time
}

type ChunkFeedback struct {
	ID        int
	ChunkID   string
	MessageID string
	Helpful   bool
	Comment   string
	CreatedAt time.Time
}

// ErrVersionConflict is returned by versioned tenant updates when the stored
// version no longer matches the caller's snapshot.
var ErrVersionConflict = errors.New("connection version conflict")
