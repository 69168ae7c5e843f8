package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-progress/internal/platform/cache"
)

const snapshotTTL = 10 * time.Minute

// CachedSnapshotStore decorates a SnapshotStore with a Redis read-through for
// the hot Get path (progress bars poll it constantly). Writes go through to
// the inner store first; the cache is best-effort and never authoritative.
type CachedSnapshotStore struct {
	inner SnapshotStore
	cache *cache.Cache
}

// NewCachedSnapshotStore wraps inner with a Redis read-through cache.
func NewCachedSnapshotStore(inner SnapshotStore, c *cache.Cache) *CachedSnapshotStore {
	return &CachedSnapshotStore{inner: inner, cache: c}
}

func (s *CachedSnapshotStore) Get(ctx context.Context, learnerID, courseID string) (*Snapshot, error) {
	key := cacheKey(learnerID, courseID)

	if data, err := s.cache.GetJSON(ctx, key); err == nil {
		snap, derr := decodeSnapshot(data)
		if derr == nil {
			return snap, nil
		}
		slog.Warn("dropping undecodable cached snapshot", "key", key, "error", derr)
		_ = s.cache.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("snapshot cache read failed", "key", key, "error", err)
	}

	snap, err := s.inner.Get(ctx, learnerID, courseID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, snap)
	return snap, nil
}

func (s *CachedSnapshotStore) Put(ctx context.Context, snap *Snapshot) error {
	if err := s.inner.Put(ctx, snap); err != nil {
		return err
	}
	s.fill(ctx, cacheKey(snap.LearnerID, snap.CourseID), snap)
	return nil
}

// List bypasses the cache: analytics scans want the authoritative set.
func (s *CachedSnapshotStore) List(ctx context.Context, courseID string) ([]*Snapshot, error) {
	return s.inner.List(ctx, courseID)
}

func (s *CachedSnapshotStore) fill(ctx context.Context, key string, snap *Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, data, snapshotTTL); err != nil {
		slog.Warn("snapshot cache write failed", "key", key, "error", err)
	}
}

func cacheKey(learnerID, courseID string) string {
	return "snapshot:" + learnerID + ":" + courseID
}
