// Package syncer merges progress event batches from multiple devices into the
// ledger. Devices work offline and resend after failures, so reconciliation
// is idempotent, deterministic in its merge order, and isolates bad records
// per event instead of failing whole batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/ledger"
	"github.com/p-n-ai/pai-progress/internal/progress"
)

// Conflict is an event the reconciler refused, with a stable reason for the
// client. Conflicted events are never appended; the rest of the batch is.
type Conflict struct {
	Event  ledger.ProgressEvent `json:"event"`
	Reason string               `json:"reason"`
}

// Conflict reasons.
const (
	ReasonInvalidEvent   = "invalid_event"
	ReasonWrongLearner   = "wrong_learner_or_course"
	ReasonUnknownSection = "unknown_section"
	ReasonStaleSequence  = "stale_sequence"
)

// Result reports the fate of every event in a batch. Duplicates are
// successful no-ops: a device resending after a partial failure sees its
// events here, never as errors.
type Result struct {
	Accepted   []ledger.Entry         `json:"accepted"`
	Duplicates []ledger.ProgressEvent `json:"duplicates"`
	Conflicts  []Conflict             `json:"conflicts"`

	// Snapshot is the refreshed snapshot after the accepted events folded.
	// Nil when nothing was accepted.
	Snapshot *progress.Snapshot `json:"snapshot,omitempty"`
}

// Notifier observes refreshed snapshots, e.g. to push them to websocket
// subscribers. Calls happen after the snapshot is persisted.
type Notifier interface {
	SnapshotUpdated(learnerID, courseID string, snap *progress.Snapshot)
}

// Reconciler merges device batches into the ledger and triggers aggregation.
type Reconciler struct {
	courses course.Provider
	store   ledger.Store
	engine  *progress.Engine
	notify  Notifier
}

// New creates a reconciler. notify may be nil.
func New(courses course.Provider, store ledger.Store, engine *progress.Engine, notify Notifier) (*Reconciler, error) {
	if courses == nil {
		return nil, fmt.Errorf("course provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("aggregation engine is required")
	}
	return &Reconciler{courses: courses, store: store, engine: engine, notify: notify}, nil
}

// Reconcile merges a batch of events for one learner+course into the ledger.
//
// Events are ordered by client timestamp with ties broken by device ID
// (lexicographic), then per-device sequence number. The order is a property
// of the batch contents alone: two overlapping batches arriving in any
// network order converge on the same ledger, and therefore the same snapshot.
//
// A structure outage fails the whole batch with course.ErrUnavailable so the
// caller retries with backoff; nothing is appended in that case.
func (r *Reconciler) Reconcile(ctx context.Context, learnerID, courseID string, batch []ledger.ProgressEvent) (Result, error) {
	var res Result

	structure, err := r.courses.Structure(ctx, courseID)
	if err != nil {
		return res, fmt.Errorf("resolving structure for %s: %w", courseID, err)
	}

	merged := mergeOrder(batch)

	lastSeq := make(map[string]uint64)
	for _, ev := range merged {
		if reason, ok := r.screen(learnerID, courseID, structure, ev, lastSeq); !ok {
			res.Conflicts = append(res.Conflicts, Conflict{Event: ev, Reason: reason})
			continue
		}
		lastSeq[ev.DeviceID] = ev.SequenceNumber

		entry, err := r.store.Append(ctx, ev)
		switch {
		case err == nil:
			res.Accepted = append(res.Accepted, entry)
		case errors.Is(err, ledger.ErrDuplicate):
			res.Duplicates = append(res.Duplicates, ev)
		default:
			// Infrastructure failure: surface what was decided so far; the
			// client retries the remainder and duplicates stay harmless.
			return res, fmt.Errorf("appending event (device %s seq %d): %w", ev.DeviceID, ev.SequenceNumber, err)
		}
	}

	if len(res.Accepted) > 0 {
		snap, err := r.engine.Refresh(ctx, learnerID, courseID)
		if err != nil {
			// Events are safely in the ledger; the snapshot catches up on the
			// next refresh. Not a batch failure.
			slog.Warn("post-reconcile refresh failed",
				"learner_id", learnerID,
				"course_id", courseID,
				"error", err,
			)
		} else {
			res.Snapshot = snap
			if r.notify != nil {
				r.notify.SnapshotUpdated(learnerID, courseID, snap)
			}
		}
	}

	slog.Info("batch reconciled",
		"learner_id", learnerID,
		"course_id", courseID,
		"accepted", len(res.Accepted),
		"duplicates", len(res.Duplicates),
		"conflicts", len(res.Conflicts),
	)
	return res, nil
}

// screen applies per-event checks that do not require the ledger.
func (r *Reconciler) screen(learnerID, courseID string, structure *course.Course, ev ledger.ProgressEvent, lastSeq map[string]uint64) (string, bool) {
	if err := ev.Validate(); err != nil {
		return ReasonInvalidEvent, false
	}
	if ev.LearnerID != learnerID || ev.CourseID != courseID {
		return ReasonWrongLearner, false
	}
	if !structure.HasSection(ev.SectionID) {
		return ReasonUnknownSection, false
	}
	// A device counter that went backwards within one batch is corrupt state;
	// cross-batch repeats are handled by the ledger as duplicates.
	if seen, ok := lastSeq[ev.DeviceID]; ok && ev.SequenceNumber <= seen {
		return ReasonStaleSequence, false
	}
	return "", true
}

// mergeOrder sorts a batch into the deterministic cross-device order:
// client timestamp, then device ID, then per-device sequence number.
func mergeOrder(batch []ledger.ProgressEvent) []ledger.ProgressEvent {
	merged := make([]ledger.ProgressEvent, len(batch))
	copy(merged, batch)
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.ClientTimestamp.Equal(b.ClientTimestamp) {
			return a.ClientTimestamp.Before(b.ClientTimestamp)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.SequenceNumber < b.SequenceNumber
	})
	return merged
}
