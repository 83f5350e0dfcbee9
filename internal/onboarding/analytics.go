package onboarding

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

// eventLogCap bounds the per-tenant event ring buffer; oldest entries are
// evicted first.
const eventLogCap = 200

// AnalyticsStore is the read/append slice of persistence analytics needs.
type AnalyticsStore interface {
	GetConnection(id string) (*models.Connection, error)
	UpdateConnectionMeta(conn *models.Connection) error
	ListConnections() ([]*models.Connection, error)
}

type Analytics struct {
	store AnalyticsStore
}

func NewAnalytics(store AnalyticsStore) *Analytics {
	return &Analytics{store: store}
}

func appendEvent(meta *models.OnboardingMeta, event string, at time.Time, data map[string]interface{}) {
	meta.Events = append(meta.Events, models.OnboardingEvent{
		Event: event,
		At:    at,
		Data:  data,
	})
	if len(meta.Events) > eventLogCap {
		meta.Events = meta.Events[len(meta.Events)-eventLogCap:]
	}
}

// TrackEvent appends to the tenant's event log and persists it. It never
// returns an error: observability must not break the operation that fired it.
func (a *Analytics) TrackEvent(conn *models.Connection, event string, data map[string]interface{}) {
	appendEvent(&conn.OnboardingMeta, event, time.Now(), data)

	if err := a.store.UpdateConnectionMeta(conn); err != nil {
		logger.Error("Failed to persist onboarding event",
			zap.String("connection_id", conn.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// TrackStepTiming records time-in-step; a revisited step overwrites its
// previous timing.
func (a *Analytics) TrackStepTiming(conn *models.Connection, step int, durationMs int64) {
	recordStepTiming(&conn.OnboardingMeta, step, durationMs)

	if err := a.store.UpdateConnectionMeta(conn); err != nil {
		logger.Error("Failed to persist step timing",
			zap.String("connection_id", conn.ID),
			zap.Int("step", step),
			zap.Error(err),
		)
	}
}

type Dropoff struct {
	ConnectionID string                  `json:"connection_id"`
	WebsiteName  string                  `json:"website_name"`
	Status       models.ConnectionStatus `json:"status"`
	Step         int                     `json:"step"`
	StaleDays    float64                 `json:"stale_days"`
}

// DetectDropoffs finds tenants stuck mid-onboarding with no activity since
// the cutoff. Operational alerting only; it never mutates anything.
func (a *Analytics) DetectDropoffs(staleDays int) ([]Dropoff, error) {
	if staleDays <= 0 {
		staleDays = 3
	}

	conns, err := a.store.ListConnections()
	if err != nil {
		return nil, fmt.Errorf("failed to scan connections: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -staleDays)

	var dropoffs []Dropoff
	for _, conn := range conns {
		if conn.Status == models.StatusLaunched || conn.Status == models.StatusDraft {
			continue
		}
		if conn.LastActivityAt.After(cutoff) {
			continue
		}

		dropoffs = append(dropoffs, Dropoff{
			ConnectionID: conn.ID,
			WebsiteName:  conn.WebsiteName,
			Status:       conn.Status,
			Step:         conn.OnboardingStep,
			StaleDays:    time.Since(conn.LastActivityAt).Hours() / 24,
		})
	}

	return dropoffs, nil
}

type ActivationReport struct {
	ConnectionID    string           `json:"connection_id"`
	TotalDurationMs *int64           `json:"total_duration_ms"`
	StepTimings     map[string]int64 `json:"step_timings"`
	Transitions     int              `json:"transitions"`
	GuardFailures   int              `json:"guard_failures"`
	Rollbacks       int              `json:"rollbacks"`
}

// GetActivationReport aggregates one tenant's event log. Pure read.
func (a *Analytics) GetActivationReport(connectionID string) (*ActivationReport, error) {
	conn, err := a.store.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}

	report := &ActivationReport{
		ConnectionID: conn.ID,
		StepTimings:  conn.OnboardingMeta.StepTimings,
	}
	if report.StepTimings == nil {
		report.StepTimings = map[string]int64{}
	}

	if conn.OnboardingCompletedAt != nil {
		total := conn.OnboardingCompletedAt.Sub(conn.CreatedAt).Milliseconds()
		report.TotalDurationMs = &total
	}

	for _, event := range conn.OnboardingMeta.Events {
		switch event.Event {
		case EventTransition:
			report.Transitions++
			if rollback, ok := event.Data["isRollback"].(bool); ok && rollback {
				report.Rollbacks++
			}
		case EventGuardFailed:
			report.GuardFailures++
		}
	}

	return report, nil
}

type AggregateMetrics struct {
	TotalConnections int                `json:"total_connections"`
	Launched         int                `json:"launched"`
	CompletionRate   float64            `json:"completion_rate"`
	StatusHistogram  map[string]int     `json:"status_histogram"`
	AvgCompletionMs  float64            `json:"avg_completion_ms"`
	DropoffByStep    map[int]int        `json:"dropoff_by_step"`
	AvgStepTimings   map[string]float64 `json:"avg_step_timings"`
}

// GetAggregateMetrics builds the system-wide funnel report. Every average is
// guarded against empty buckets.
func (a *Analytics) GetAggregateMetrics() (*AggregateMetrics, error) {
	conns, err := a.store.ListConnections()
	if err != nil {
		return nil, fmt.Errorf("failed to scan connections: %w", err)
	}

	agg := &AggregateMetrics{
		TotalConnections: len(conns),
		StatusHistogram:  map[string]int{},
		DropoffByStep:    map[int]int{},
		AvgStepTimings:   map[string]float64{},
	}

	var completionTotalMs int64
	stepSums := map[string]int64{}
	stepCounts := map[string]int{}

	for _, conn := range conns {
		agg.StatusHistogram[string(conn.Status)]++

		if conn.Status == models.StatusLaunched {
			agg.Launched++
			if conn.OnboardingCompletedAt != nil {
				completionTotalMs += conn.OnboardingCompletedAt.Sub(conn.CreatedAt).Milliseconds()
			}
		} else {
			agg.DropoffByStep[conn.OnboardingStep]++
		}

		for step, ms := range conn.OnboardingMeta.StepTimings {
			stepSums[step] += ms
			stepCounts[step]++
		}
	}

	if agg.TotalConnections > 0 {
		agg.CompletionRate = float64(agg.Launched) / float64(agg.TotalConnections)
	}
	if agg.Launched > 0 {
		agg.AvgCompletionMs = float64(completionTotalMs) / float64(agg.Launched)
	}
	for step, sum := range stepSums {
		if stepCounts[step] > 0 {
			agg.AvgStepTimings[step] = float64(sum) / float64(stepCounts[step])
		}
	}

	return agg, nil
}
