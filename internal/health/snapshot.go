package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// SnapshotStore keeps a bounded ring buffer of SystemSnapshots and drives
// rollback-by-scope, grounded on
// original_source/services/emergency_failover.py's snapshot/rollback
// handling. The snapshot substrate is explicitly abstract: the restore
// actions it drives go through Infra (spec.md §9 Open Question iii).
type SnapshotStore struct {
	mu   sync.Mutex
	ring []models.SystemSnapshot
	max  int

	nextVersion int64

	appVersion string
	infra      Infra
	store      store.Store
	logger     *zap.Logger
}

// NewSnapshotStore constructs a ring buffer bounded to maxSnapshots (default 10).
func NewSnapshotStore(maxSnapshots int, appVersion string, infra Infra, st store.Store, logger *zap.Logger) *SnapshotStore {
	if maxSnapshots <= 0 {
		maxSnapshots = 10
	}
	return &SnapshotStore{
		max:        maxSnapshots,
		appVersion: appVersion,
		infra:      infra,
		store:      st,
		logger:     logger,
	}
}

// Capture records a point-in-time snapshot and persists it durably.
func (s *SnapshotStore) Capture(ctx context.Context, databaseBackupID string) (models.SystemSnapshot, error) {
	s.mu.Lock()
	s.nextVersion++
	snap := models.SystemSnapshot{
		Version:            s.nextVersion,
		CapturedAt:         time.Now(),
		DatabaseBackupID:   databaseBackupID,
		ApplicationVersion: s.appVersion,
	}
	s.ring = append(s.ring, snap)
	if len(s.ring) > s.max {
		s.ring = s.ring[len(s.ring)-s.max:]
	}
	s.mu.Unlock()

	if s.store != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return snap, errors.Wrap(err, "marshal snapshot")
		}
		if err := s.store.Set(ctx, store.SnapshotKey(snap.Version), data, 0); err != nil {
			s.logger.Error("failed to persist snapshot", zap.Error(err))
		}
	}

	return snap, nil
}

// Latest returns the most recently captured snapshot, if any.
func (s *SnapshotStore) Latest() (models.SystemSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return models.SystemSnapshot{}, false
	}
	return s.ring[len(s.ring)-1], true
}

// Rollback restores the system to the given snapshot version, scoped by
// rollbackType, by dispatching to Infra (spec.md §9 Open Question iii).
func (s *SnapshotStore) Rollback(ctx context.Context, version int64, rollbackType models.RollbackType) error {
	s.mu.Lock()
	var target *models.SystemSnapshot
	for i := range s.ring {
		if s.ring[i].Version == version {
			target = &s.ring[i]
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return errors.Errorf("no snapshot with version %d retained", version)
	}

	switch rollbackType {
	case models.RollbackDatabase:
		return s.infra.RestoreDatabase(ctx, target.DatabaseBackupID)
	case models.RollbackInfrastructure:
		return s.infra.RestoreInfrastructure(ctx, target.InfrastructureDescriptor)
	case models.RollbackApplication:
		return s.infra.RestartService(ctx, "application")
	case models.RollbackFull:
		if err := s.infra.RestoreDatabase(ctx, target.DatabaseBackupID); err != nil {
			return errors.Wrap(err, "full rollback: database stage failed")
		}
		if err := s.infra.RestoreInfrastructure(ctx, target.InfrastructureDescriptor); err != nil {
			return errors.Wrap(err, "full rollback: infrastructure stage failed")
		}
		return s.infra.RestartService(ctx, "application")
	default:
		return errors.Errorf("unknown rollback type: %s", rollbackType)
	}
}
