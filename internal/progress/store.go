package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound indicates no snapshot exists yet for the learner+course.
var ErrNotFound = errors.New("snapshot not found")

// ErrVersionConflict indicates a concurrent writer updated the snapshot since
// it was read. The aggregation engine is meant to be the only writer, so a
// conflict points at a wiring bug; the invariant is checkable at the store.
var ErrVersionConflict = errors.New("snapshot version conflict")

// SnapshotStore persists derived snapshots. Snapshots are disposable, they
// can always be rebuilt from the ledger, but keeping them hot avoids full
// replay on every read.
type SnapshotStore interface {
	// Get returns the snapshot for a learner+course, or ErrNotFound.
	Get(ctx context.Context, learnerID, courseID string) (*Snapshot, error)

	// Put stores a snapshot. The snapshot's Version must match the stored
	// version (0 for a new snapshot) or Put fails with ErrVersionConflict.
	// On success the snapshot's Version is advanced.
	Put(ctx context.Context, snap *Snapshot) error

	// List returns all snapshots for a course, one per learner. Used by the
	// analytics aggregator; order is unspecified.
	List(ctx context.Context, courseID string) ([]*Snapshot, error)
}

// MemorySnapshotStore is an in-memory SnapshotStore for tests and development.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

func (s *MemorySnapshotStore) Get(_ context.Context, learnerID, courseID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[learnerID+"/"+courseID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	return snap.Clone(), nil
}

func (s *MemorySnapshotStore) Put(_ context.Context, snap *Snapshot) error {
	if snap.LearnerID == "" || snap.CourseID == "" {
		return fmt.Errorf("snapshot requires learner_id and course_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.LearnerID + "/" + snap.CourseID
	current := int64(0)
	if existing, ok := s.snaps[key]; ok {
		current = existing.Version
	}
	if snap.Version != current {
		return fmt.Errorf("%s: have %d, put %d: %w", key, current, snap.Version, ErrVersionConflict)
	}

	stored := snap.Clone()
	stored.Version = current + 1
	s.snaps[key] = stored
	snap.Version = stored.Version
	return nil
}

func (s *MemorySnapshotStore) List(_ context.Context, courseID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Snapshot
	for _, snap := range s.snaps {
		if snap.CourseID == courseID {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}
