// Package progress derives progress snapshots from the ledger. Recompute is a
// pure fold over ledger order: the same entries always produce the same
// snapshot, so any replica can rebuild state from replay alone.
package progress

import "time"

// SectionState is the derived state of one section for a learner.
type SectionState struct {
	Completed bool `json:"completed"`

	// BestScore is the highest submitted score, nil until one is submitted.
	// Best-score-wins: a later lower score never regresses it.
	BestScore *int `json:"best_score,omitempty"`

	// MasteryAchieved requires completion plus BestScore at or above the
	// section's mastery threshold. Threshold 0 means completion only.
	MasteryAchieved bool `json:"mastery_achieved"`
}

// LessonState is the weight-normalized aggregate over a lesson's sections.
type LessonState struct {
	PercentComplete float64 `json:"percent_complete"`

	// MasteryAchieved is true when every section in the lesson carrying a
	// non-zero mastery threshold has been mastered. Vacuously true for
	// lessons with no thresholded sections.
	MasteryAchieved bool `json:"mastery_achieved"`
}

// Snapshot is the derived, recomputable progress view for one learner+course.
// It is never hand-edited; every field is a deterministic function of the
// ledger prefix identified by Watermark.
type Snapshot struct {
	LearnerID     string `json:"learner_id"`
	CourseID      string `json:"course_id"`
	CourseVersion string `json:"course_version"`

	Sections map[string]SectionState `json:"sections"`
	Lessons  map[string]LessonState  `json:"lessons"`

	PercentComplete     float64 `json:"percent_complete"`
	CertificateEligible bool    `json:"certificate_eligible"`

	// Watermark is the LedgerSequence of the last folded entry.
	Watermark uint64 `json:"watermark"`

	// Version is the optimistic-concurrency counter maintained by the
	// snapshot store. It is storage metadata, not derived state.
	Version int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. Stores hand out clones so concurrent readers
// never alias the maps of a snapshot being refreshed.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Sections = make(map[string]SectionState, len(s.Sections))
	for id, st := range s.Sections {
		if st.BestScore != nil {
			v := *st.BestScore
			st.BestScore = &v
		}
		out.Sections[id] = st
	}
	out.Lessons = make(map[string]LessonState, len(s.Lessons))
	for id, ls := range s.Lessons {
		out.Lessons[id] = ls
	}
	return &out
}
