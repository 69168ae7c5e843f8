package progress

import (
	"fmt"

	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/ledger"
)

// DefaultCompletionThreshold is the course percentage required for
// certificate eligibility unless configured otherwise.
const DefaultCompletionThreshold = 100.0

// Recompute folds ledger entries, in ledger order, into a fresh snapshot.
// Pure: no I/O, no clock reads beyond the entries themselves, and identical
// input always yields an identical snapshot.
func Recompute(structure *course.Course, completionThreshold float64, entries []ledger.Entry) (*Snapshot, error) {
	if structure == nil {
		return nil, fmt.Errorf("course structure is required")
	}

	snap := &Snapshot{
		CourseID:      structure.ID,
		CourseVersion: structure.Version,
		Sections:      make(map[string]SectionState),
		Lessons:       make(map[string]LessonState),
	}

	for _, e := range entries {
		if err := foldEntry(structure, snap, e); err != nil {
			return nil, err
		}
	}

	derive(structure, completionThreshold, snap)
	return snap, nil
}

// ApplyIncremental folds one new entry into an existing snapshot. The result
// is identical to Recompute over the full ledger including the new entry; the
// equivalence is an invariant, not an optimization detail.
func ApplyIncremental(structure *course.Course, completionThreshold float64, snap *Snapshot, entry ledger.Entry) (*Snapshot, error) {
	if structure == nil {
		return nil, fmt.Errorf("course structure is required")
	}
	if snap == nil {
		return Recompute(structure, completionThreshold, []ledger.Entry{entry})
	}
	if entry.LedgerSequence <= snap.Watermark {
		// Already folded; replays of an observed prefix are no-ops.
		return snap.Clone(), nil
	}

	out := snap.Clone()
	if err := foldEntry(structure, out, entry); err != nil {
		return nil, err
	}
	derive(structure, completionThreshold, out)
	return out, nil
}

// foldEntry applies a single event to per-section state. Events referencing
// sections absent from the structure are ignored deterministically; the
// reconciler refuses them at the door, so this only matters for replay of
// ledgers predating a structure fix.
func foldEntry(structure *course.Course, snap *Snapshot, e ledger.Entry) error {
	if e.LedgerSequence > snap.Watermark {
		snap.Watermark = e.LedgerSequence
	}
	if e.AcceptedAt.After(snap.UpdatedAt) {
		snap.UpdatedAt = e.AcceptedAt
	}

	// The entry is observed (watermark advanced) even when its section is
	// unknown, so replay never re-reads it.
	if !structure.HasSection(e.SectionID) {
		return nil
	}

	st := snap.Sections[e.SectionID]
	switch e.Type {
	case ledger.TypeStarted:
		// Presence alone; completion unchanged.
	case ledger.TypeCompleted:
		st.Completed = true
	case ledger.TypeScoreSubmitted:
		if e.Score == nil {
			return fmt.Errorf("ledger entry %d: score_submitted without score", e.LedgerSequence)
		}
		if st.BestScore == nil || *e.Score > *st.BestScore {
			v := *e.Score
			st.BestScore = &v
		}
	default:
		return fmt.Errorf("ledger entry %d: unknown event type %q", e.LedgerSequence, e.Type)
	}
	snap.Sections[e.SectionID] = st
	return nil
}

// derive recomputes mastery flags and the weight-normalized lesson and course
// percentages from per-section state. Every section in the structure gets an
// entry in the snapshot, so consumers see untouched sections explicitly.
func derive(structure *course.Course, completionThreshold float64, snap *Snapshot) {
	var courseWeight, courseAcc float64
	allMastered := true

	for _, lesson := range structure.Lessons {
		var lessonWeight, lessonAcc float64
		lessonMastered := true

		for _, sec := range lesson.Sections {
			st := snap.Sections[sec.ID]
			st.MasteryAchieved = st.Completed &&
				(sec.MasteryThreshold == 0 || (st.BestScore != nil && *st.BestScore >= sec.MasteryThreshold))
			snap.Sections[sec.ID] = st

			lessonWeight += sec.Weight
			if st.Completed {
				lessonAcc += sec.Weight
			}
			if sec.MasteryThreshold > 0 && !st.MasteryAchieved {
				lessonMastered = false
				allMastered = false
			}
		}

		percent := 0.0
		if lessonWeight > 0 {
			percent = 100 * lessonAcc / lessonWeight
		}
		snap.Lessons[lesson.ID] = LessonState{
			PercentComplete: percent,
			MasteryAchieved: lessonMastered,
		}

		courseWeight += lessonWeight
		courseAcc += lessonWeight * percent / 100
	}

	snap.PercentComplete = 0
	if courseWeight > 0 {
		snap.PercentComplete = 100 * courseAcc / courseWeight
	}
	snap.CertificateEligible = snap.PercentComplete >= completionThreshold && allMastered
}
