package onboarding

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

// LockTTL is the staleness window after which a held lock may be taken over.
// A crashed job self-heals after this long; a job that legitimately runs
// longer risks a second holder, which is acceptable because job results are
// idempotent upserts.
const LockTTL = 15 * time.Minute

type LockResult struct {
	Acquired bool
	Reason   string
}

// AcquireLock takes the tenant's advisory job lease. Held and fresh fails;
// held and stale is silently overridden.
func (m *StateMachine) AcquireLock(conn *models.Connection, jobName string) (*LockResult, error) {
	if conn.StateLockedBy != nil && conn.StateLockedAt != nil {
		age := time.Since(*conn.StateLockedAt)
		if age < LockTTL {
			metrics.LockContention.WithLabelValues(jobName).Inc()
			return &LockResult{
				Reason: fmt.Sprintf("Locked by %s for another %s", *conn.StateLockedBy, (LockTTL - age).Round(time.Second)),
			}, nil
		}

		metrics.StaleLockOverrides.Inc()
		logger.Warn("Overriding stale job lock",
			zap.String("connection_id", conn.ID),
			zap.String("stale_holder", *conn.StateLockedBy),
			zap.String("new_holder", jobName),
			zap.Duration("age", age),
		)
	}

	now := time.Now()
	if err := m.store.UpdateConnectionLock(conn.ID, &jobName, &now); err != nil {
		return nil, fmt.Errorf("failed to persist lock: %w", err)
	}

	conn.StateLockedBy = &jobName
	conn.StateLockedAt = &now

	logger.Info("Job lock acquired",
		zap.String("connection_id", conn.ID),
		zap.String("job", jobName),
	)

	return &LockResult{Acquired: true}, nil
}

// ReleaseLock clears the lease if jobName is the current holder. Releasing a
// lock held by someone else is a no-op, not an error: the holder may have
// overridden a stale lease this caller once owned.
func (m *StateMachine) ReleaseLock(conn *models.Connection, jobName string) error {
	if conn.StateLockedBy == nil || *conn.StateLockedBy != jobName {
		return nil
	}

	if err := m.store.UpdateConnectionLock(conn.ID, nil, nil); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	conn.StateLockedBy = nil
	conn.StateLockedAt = nil

	logger.Info("Job lock released",
		zap.String("connection_id", conn.ID),
		zap.String("job", jobName),
	)

	return nil
}
