package onboarding

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitechat/backend/internal/storage/models"
)

type fakeStore struct {
	conns        map[string]*models.Connection
	readyChunks  map[string]int
	testSessions map[string]int
	updateErr    error
	countErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conns:        map[string]*models.Connection{},
		readyChunks:  map[string]int{},
		testSessions: map[string]int{},
	}
}

func (s *fakeStore) GetConnection(id string) (*models.Connection, error) {
	conn, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s not found", id)
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeStore) UpdateConnectionVersioned(conn *models.Connection, expectedVersion int64) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	stored, ok := s.conns[conn.ID]
	if !ok || stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	copied := *conn
	s.conns[conn.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateConnectionMeta(conn *models.Connection) error {
	if stored, ok := s.conns[conn.ID]; ok {
		stored.OnboardingMeta = conn.OnboardingMeta
	}
	return nil
}

func (s *fakeStore) UpdateConnectionLock(id string, lockedBy *string, lockedAt *time.Time) error {
	if stored, ok := s.conns[id]; ok {
		stored.StateLockedBy = lockedBy
		stored.StateLockedAt = lockedAt
	}
	return nil
}

func (s *fakeStore) ListConnections() ([]*models.Connection, error) {
	var out []*models.Connection
	for _, conn := range s.conns {
		copied := *conn
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) CountChunksByStatus(connectionID string, status models.ChunkStatus) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	if status == models.ChunkReady {
		return s.readyChunks[connectionID], nil
	}
	return 0, nil
}

func (s *fakeStore) CountSessions(connectionID string, testOnly bool) (int, error) {
	return s.testSessions[connectionID], nil
}

func newTestMachine() (*StateMachine, *fakeStore) {
	store := newFakeStore()
	return NewStateMachine(store, NewAnalytics(store)), store
}

func seedConnection(store *fakeStore, status models.ConnectionStatus) *models.Connection {
	conn := &models.Connection{
		ID:             "conn-1",
		WebsiteURL:     "https://example.com",
		WebsiteName:    "Example",
		Status:         status,
		OnboardingStep: StepFor(status),
		Version:        1,
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	store.conns[conn.ID] = conn
	snapshot := *conn
	return &snapshot
}

func TestTransitionHappyPath(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDraft)
	store.readyChunks[conn.ID] = 3
	store.testSessions[conn.ID] = 1

	targets := []models.ConnectionStatus{
		models.StatusConnected,
		models.StatusDiscovering,
		models.StatusTrained,
	}

	for _, target := range targets {
		result := machine.Transition(conn, target, TransitionOptions{ExpectedVersion: conn.Version})
		require.True(t, result.Success, "transition to %s: %s", target, result.Reason)
	}

	assert.Equal(t, models.StatusTrained, conn.Status)
	assert.Equal(t, 4, conn.OnboardingStep)
	assert.Equal(t, int64(4), conn.Version, "version increments by exactly one per transition")
}

func TestTransitionSkippingStateRejected(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDraft)

	result := machine.Transition(conn, models.StatusTrained, TransitionOptions{ExpectedVersion: 1})

	assert.False(t, result.Success)
	assert.Equal(t, CodeInvalidTransition, result.Code)
	assert.Equal(t, int64(1), conn.Version)
	assert.Equal(t, models.StatusDraft, conn.Status)
}

func TestTransitionLaunchedIsImmutable(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusLaunched)

	for _, target := range []models.ConnectionStatus{
		models.StatusDraft,
		models.StatusReady,
		models.StatusLaunched,
	} {
		result := machine.Transition(conn, target, TransitionOptions{ExpectedVersion: 1})
		assert.False(t, result.Success)
		assert.Equal(t, CodeAlreadyLaunched, result.Code)
	}
	assert.Equal(t, int64(1), conn.Version)
}

func TestTransitionVersionConflict(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDraft)

	result := machine.Transition(conn, models.StatusConnected, TransitionOptions{ExpectedVersion: 7})

	assert.False(t, result.Success)
	assert.Equal(t, CodeVersionConflict, result.Code)
	assert.Equal(t, models.StatusDraft, conn.Status)
}

func TestTransitionGuardFailureLeavesVersionUntouched(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDraft)
	conn.WebsiteURL = "   "
	store.conns[conn.ID].WebsiteURL = "   "

	result := machine.Transition(conn, models.StatusConnected, TransitionOptions{ExpectedVersion: 1})

	assert.False(t, result.Success)
	assert.Equal(t, CodeGuardFailed, result.Code)
	assert.Contains(t, result.Reason, "Website URL")
	assert.Equal(t, int64(1), conn.Version)
	assert.Equal(t, models.StatusDraft, conn.Status)

	// A guard failure is itself recorded for funnel analytics.
	stored := store.conns[conn.ID]
	require.Len(t, stored.OnboardingMeta.Events, 1)
	assert.Equal(t, EventGuardFailed, stored.OnboardingMeta.Events[0].Event)
}

func TestTransitionTrainingRequiresReadyChunk(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDiscovering)

	result := machine.Transition(conn, models.StatusTrained, TransitionOptions{ExpectedVersion: 1})
	assert.False(t, result.Success)
	assert.Equal(t, CodeGuardFailed, result.Code)

	store.readyChunks[conn.ID] = 1

	result = machine.Transition(conn, models.StatusTrained, TransitionOptions{ExpectedVersion: 1})
	require.True(t, result.Success)
	assert.Equal(t, models.StatusTrained, conn.Status)
	assert.Equal(t, 4, conn.OnboardingStep)
}

func TestTransitionGuardStoreErrorFailsClosed(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDiscovering)
	store.readyChunks[conn.ID] = 5
	store.countErr = fmt.Errorf("disk unavailable")

	result := machine.Transition(conn, models.StatusTrained, TransitionOptions{ExpectedVersion: 1})

	assert.False(t, result.Success)
	assert.Equal(t, CodeGuardFailed, result.Code)
}

func TestTransitionRollbackSkipsGuards(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusReady)

	result := machine.Transition(conn, models.StatusTuned, TransitionOptions{ExpectedVersion: 1})

	require.True(t, result.Success)
	assert.Equal(t, models.StatusTuned, conn.Status)
	assert.Equal(t, 5, conn.OnboardingStep)
	assert.Equal(t, int64(2), conn.Version)

	last := conn.OnboardingMeta.Events[len(conn.OnboardingMeta.Events)-1]
	assert.Equal(t, true, last.Data["isRollback"])
}

func TestTransitionLaunchStampsCompletion(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusReady)
	conn.HealthScore = 85
	store.conns[conn.ID].HealthScore = 85

	result := machine.Transition(conn, models.StatusLaunched, TransitionOptions{ExpectedVersion: 1})

	require.True(t, result.Success)
	require.NotNil(t, conn.OnboardingCompletedAt)
	assert.Equal(t, models.StatusLaunched, conn.Status)
	assert.Equal(t, 6, conn.OnboardingStep)
}

func TestTransitionLaunchBlockedByHealthScore(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusReady)
	conn.HealthScore = 79
	store.conns[conn.ID].HealthScore = 79

	result := machine.Transition(conn, models.StatusLaunched, TransitionOptions{ExpectedVersion: 1})

	assert.False(t, result.Success)
	assert.Equal(t, CodeGuardFailed, result.Code)
	assert.Contains(t, result.Reason, "below the launch threshold")
}

func TestTransitionRecordsStepTiming(t *testing.T) {
	machine, store := newTestMachine()
	conn := seedConnection(store, models.StatusDraft)

	result := machine.Transition(conn, models.StatusConnected, TransitionOptions{ExpectedVersion: 1})

	require.True(t, result.Success)
	_, ok := conn.OnboardingMeta.StepTimings["1"]
	assert.True(t, ok, "time spent in step 1 should be recorded")
}

func TestStepTableDerivation(t *testing.T) {
	assert.Equal(t, 1, StepFor(models.StatusDraft))
	assert.Equal(t, 6, StepFor(models.StatusReady))
	assert.Equal(t, 6, StepFor(models.StatusLaunched))
	assert.Equal(t, "/dashboard", PathFor(models.StatusLaunched))
	assert.Equal(t, "/setup/train", PathFor(models.StatusDiscovering))
}
