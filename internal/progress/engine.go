package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/ledger"
)

// EngineConfig holds dependencies for the aggregation engine.
type EngineConfig struct {
	Courses   course.Provider
	Ledger    ledger.Store
	Snapshots SnapshotStore

	// CompletionThreshold is the course percentage required for certificate
	// eligibility (default 100).
	CompletionThreshold float64
}

// Engine folds ledger entries into snapshots. It is the only snapshot writer:
// everything downstream (gating, analytics, the UI) reads what it produces.
type Engine struct {
	courses             course.Provider
	ledger              ledger.Store
	snapshots           SnapshotStore
	completionThreshold float64
}

// NewEngine creates an aggregation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Courses == nil {
		return nil, fmt.Errorf("course provider is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	snapshots := cfg.Snapshots
	if snapshots == nil {
		snapshots = NewMemorySnapshotStore()
	}
	threshold := cfg.CompletionThreshold
	if threshold == 0 {
		threshold = DefaultCompletionThreshold
	}
	return &Engine{
		courses:             cfg.Courses,
		ledger:              cfg.Ledger,
		snapshots:           snapshots,
		completionThreshold: threshold,
	}, nil
}

// Refresh folds any ledger entries past the stored snapshot's watermark and
// persists the result. With no stored snapshot it performs a full replay.
//
// If the course structure is unavailable the previous snapshot is retained
// unchanged and the error is returned: stale-but-available beats unavailable.
func (e *Engine) Refresh(ctx context.Context, learnerID, courseID string) (*Snapshot, error) {
	structure, err := e.courses.Structure(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("resolving structure for %s: %w", courseID, err)
	}

	snap, err := e.snapshots.Get(ctx, learnerID, courseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var fromSeq uint64
	if snap != nil {
		fromSeq = snap.Watermark
	}

	entries, err := e.ledger.Read(ctx, learnerID, courseID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	if snap == nil {
		snap, err = Recompute(structure, e.completionThreshold, entries)
		if err != nil {
			return nil, err
		}
		snap.LearnerID = learnerID
	} else {
		if len(entries) == 0 {
			return snap, nil
		}
		for _, entry := range entries {
			snap, err = ApplyIncremental(structure, e.completionThreshold, snap, entry)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := e.snapshots.Put(ctx, snap); err != nil {
		return nil, fmt.Errorf("storing snapshot: %w", err)
	}

	slog.Debug("snapshot refreshed",
		"learner_id", learnerID,
		"course_id", courseID,
		"watermark", snap.Watermark,
		"percent_complete", snap.PercentComplete,
	)
	return snap, nil
}

// Rebuild discards the stored snapshot state and replays the full ledger.
// Replay determinism guarantees the result matches the incremental path; this
// exists for verification and for recovering from storage corruption.
func (e *Engine) Rebuild(ctx context.Context, learnerID, courseID string) (*Snapshot, error) {
	structure, err := e.courses.Structure(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("resolving structure for %s: %w", courseID, err)
	}

	entries, err := e.ledger.Read(ctx, learnerID, courseID, 0)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	snap, err := Recompute(structure, e.completionThreshold, entries)
	if err != nil {
		return nil, err
	}
	snap.LearnerID = learnerID

	// Carry the stored version forward so the rebuild replaces, not races.
	if existing, err := e.snapshots.Get(ctx, learnerID, courseID); err == nil {
		snap.Version = existing.Version
	}

	if err := e.snapshots.Put(ctx, snap); err != nil {
		return nil, fmt.Errorf("storing snapshot: %w", err)
	}
	return snap, nil
}

// Current returns the stored snapshot without folding new entries, falling
// back to a full Refresh when none exists yet. Read paths use this so polling
// stays cheap; the reconciler refreshes after every accepted batch.
func (e *Engine) Current(ctx context.Context, learnerID, courseID string) (*Snapshot, error) {
	snap, err := e.snapshots.Get(ctx, learnerID, courseID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return e.Refresh(ctx, learnerID, courseID)
}
