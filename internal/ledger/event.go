// Package ledger is the append-only record of accepted progress events. It is
// the sole source of truth: snapshots, gating decisions and analytics are all
// derived from ledger replay and never written back here.
package ledger

import (
	"fmt"
	"time"
)

// Event types. The ledger is append-only; a correction is a later event (for
// example a new score_submitted for the same section), never a mutation.
const (
	TypeStarted        = "started"
	TypeCompleted      = "completed"
	TypeScoreSubmitted = "score_submitted"
)

// ProgressEvent is the unit of truth, produced by a client device. Immutable
// once accepted.
type ProgressEvent struct {
	LearnerID string `json:"learner_id"`
	CourseID  string `json:"course_id"`
	SectionID string `json:"section_id"`
	Type      string `json:"type"`

	// Score accompanies score_submitted events only, range 0-100.
	Score *int `json:"score,omitempty"`

	ClientTimestamp time.Time `json:"client_timestamp"`

	// DeviceID plus SequenceNumber identify an event for idempotent retries.
	// SequenceNumber is monotonic per device, starting at 1.
	DeviceID       string `json:"device_id"`
	SequenceNumber uint64 `json:"sequence_number"`
}

// Validate checks the event's own fields. Whether the section exists in the
// learner's course structure is the reconciler's concern, not the event's.
func (e ProgressEvent) Validate() error {
	if e.LearnerID == "" {
		return fmt.Errorf("learner_id is required")
	}
	if e.CourseID == "" {
		return fmt.Errorf("course_id is required")
	}
	if e.SectionID == "" {
		return fmt.Errorf("section_id is required")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if e.SequenceNumber == 0 {
		return fmt.Errorf("sequence_number must be >= 1")
	}
	switch e.Type {
	case TypeStarted, TypeCompleted:
		if e.Score != nil {
			return fmt.Errorf("score is only valid for %s events", TypeScoreSubmitted)
		}
	case TypeScoreSubmitted:
		if e.Score == nil {
			return fmt.Errorf("%s requires a score", TypeScoreSubmitted)
		}
		if *e.Score < 0 || *e.Score > 100 {
			return fmt.Errorf("score must be in [0,100], got %d", *e.Score)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
