package onboarding

import (
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

// ConnectionStore is everything the state machine needs from persistence.
type ConnectionStore interface {
	GuardStore
	GetConnection(id string) (*models.Connection, error)
	UpdateConnectionVersioned(conn *models.Connection, expectedVersion int64) error
	UpdateConnectionMeta(conn *models.Connection) error
	UpdateConnectionLock(id string, lockedBy *string, lockedAt *time.Time) error
	ListConnections() ([]*models.Connection, error)
}

type StateMachine struct {
	store     ConnectionStore
	analytics *Analytics
}

type TransitionOptions struct {
	ExpectedVersion int64
	Meta            map[string]interface{}
}

// TransitionResult is handed back to HTTP handlers verbatim; Reason is
// rendered directly in the admin UI on failure.
type TransitionResult struct {
	Success bool
	Code    ErrorCode
	Reason  string
}

func NewStateMachine(store ConnectionStore, analytics *Analytics) *StateMachine {
	return &StateMachine{
		store:     store,
		analytics: analytics,
	}
}

// Transition applies a single guarded move. The tenant snapshot, event log,
// step and version are updated in one versioned write; on any failure the
// snapshot is left untouched.
func (m *StateMachine) Transition(conn *models.Connection, target models.ConnectionStatus, opts TransitionOptions) *TransitionResult {
	from := conn.Status

	if from == models.StatusLaunched {
		metrics.TransitionTotal.WithLabelValues(string(from), string(target), "rejected").Inc()
		return &TransitionResult{
			Code:   CodeAlreadyLaunched,
			Reason: "Connection is launched; onboarding state is immutable",
		}
	}

	if opts.ExpectedVersion != conn.Version {
		metrics.TransitionTotal.WithLabelValues(string(from), string(target), "conflict").Inc()
		return &TransitionResult{
			Code:   CodeVersionConflict,
			Reason: "Connection was modified by someone else; reload and retry",
		}
	}

	rule, ok := transitionTable[edge{from, target}]
	if !ok {
		metrics.TransitionTotal.WithLabelValues(string(from), string(target), "invalid").Inc()
		return &TransitionResult{
			Code:   CodeInvalidTransition,
			Reason: "Transition " + string(from) + " -> " + string(target) + " is not allowed",
		}
	}

	if rule.Guard != nil {
		guard := rule.Guard(conn, m.store)
		if !guard.OK {
			metrics.GuardFailures.WithLabelValues(string(from), string(target)).Inc()
			m.analytics.TrackEvent(conn, EventGuardFailed, map[string]interface{}{
				"from":   string(from),
				"to":     string(target),
				"reason": guard.Reason,
			})
			return &TransitionResult{
				Code:   CodeGuardFailed,
				Reason: guard.Reason,
			}
		}
	}

	now := time.Now()
	durationMs := m.sinceLastEvent(conn, now)

	updated := *conn
	updated.Status = target
	updated.OnboardingStep = StepFor(target)
	updated.Version = conn.Version + 1
	updated.OnboardingMeta = cloneMeta(conn.OnboardingMeta)

	eventData := map[string]interface{}{
		"from":       string(from),
		"to":         string(target),
		"durationMs": durationMs,
		"isRollback": rule.Rollback,
	}
	for k, v := range opts.Meta {
		eventData[k] = v
	}
	appendEvent(&updated.OnboardingMeta, EventTransition, now, eventData)
	recordStepTiming(&updated.OnboardingMeta, StepFor(from), durationMs)

	if target == models.StatusLaunched {
		completed := now
		updated.OnboardingCompletedAt = &completed
	}

	if err := m.store.UpdateConnectionVersioned(&updated, opts.ExpectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			metrics.TransitionTotal.WithLabelValues(string(from), string(target), "conflict").Inc()
			return &TransitionResult{
				Code:   CodeVersionConflict,
				Reason: "Connection was modified by someone else; reload and retry",
			}
		}
		logger.Error("Failed to persist transition",
			zap.String("connection_id", conn.ID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.Error(err),
		)
		metrics.TransitionTotal.WithLabelValues(string(from), string(target), "error").Inc()
		return &TransitionResult{
			Code:   CodeInvalidTransition,
			Reason: "Failed to persist transition",
		}
	}

	*conn = updated

	metrics.TransitionTotal.WithLabelValues(string(from), string(target), "success").Inc()
	logger.Info("Onboarding transition applied",
		zap.String("connection_id", conn.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int64("version", conn.Version),
		zap.Bool("rollback", rule.Rollback),
	)

	return &TransitionResult{Success: true}
}

// sinceLastEvent measures time since the newest event in the log, falling
// back to the record's creation time for a fresh tenant.
func (m *StateMachine) sinceLastEvent(conn *models.Connection, now time.Time) int64 {
	events := conn.OnboardingMeta.Events
	if len(events) == 0 {
		return now.Sub(conn.CreatedAt).Milliseconds()
	}
	return now.Sub(events[len(events)-1].At).Milliseconds()
}

func cloneMeta(meta models.OnboardingMeta) models.OnboardingMeta {
	out := models.OnboardingMeta{
		Events:      make([]models.OnboardingEvent, len(meta.Events)),
		StepTimings: make(map[string]int64, len(meta.StepTimings)),
	}
	copy(out.Events, meta.Events)
	for k, v := range meta.StepTimings {
		out.StepTimings[k] = v
	}
	return out
}

func recordStepTiming(meta *models.OnboardingMeta, step int, durationMs int64) {
	if meta.StepTimings == nil {
		meta.StepTimings = make(map[string]int64)
	}
	meta.StepTimings[strconv.Itoa(step)] = durationMs
}
