// Package gating converts a progress snapshot into per-section unlock
// decisions. Evaluation is pure and side-effect free; callers re-evaluate
// whenever the snapshot changes.
//
// Unlocks are monotonic in practice: the snapshot fold never un-completes a
// section or lowers a best score, so a section that evaluates unlocked stays
// unlocked on every later snapshot short of an administrative reset outside
// this engine.
package gating

import (
	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/progress"
)

// Decision reasons, stable identifiers for the UI layer.
const (
	ReasonFirstSection       = "first_section"
	ReasonPreviousCompleted  = "previous_section_completed"
	ReasonPreviousIncomplete = "previous_section_incomplete"
	ReasonLessonUnlocked     = "previous_lesson_passed"
	ReasonLessonMasteryGap   = "previous_lesson_mastery_missing"
	ReasonLessonIncomplete   = "previous_lesson_incomplete"
)

// Decision is the unlock state of one section.
type Decision struct {
	SectionID string `json:"section_id"`
	Unlocked  bool   `json:"unlocked"`
	Reason    string `json:"reason"`
}

// Evaluate returns a decision for every section in structure order.
//
// Within a lesson, section N+1 unlocks when section N is completed. A lesson
// unlocks when the previous lesson passed: all of its mastery-thresholded
// sections mastered, or, for lessons with no thresholds, 100% complete.
// The first section of the first lesson is always unlocked.
func Evaluate(snap *progress.Snapshot, structure *course.Course) []Decision {
	decisions := make([]Decision, 0, structure.SectionCount())

	lessonOpen := true // first lesson is always reachable
	for li, lesson := range structure.Lessons {
		if li > 0 {
			lessonOpen = lessonPassed(snap, structure.Lessons[li-1])
		}

		for si, sec := range lesson.Sections {
			d := Decision{SectionID: sec.ID}
			switch {
			case !lessonOpen:
				d.Reason = lessonBlockReason(structure.Lessons[li-1])
			case si == 0 && li == 0:
				d.Unlocked = true
				d.Reason = ReasonFirstSection
			case si == 0:
				d.Unlocked = true
				d.Reason = ReasonLessonUnlocked
			case snap.Sections[lesson.Sections[si-1].ID].Completed:
				d.Unlocked = true
				d.Reason = ReasonPreviousCompleted
			default:
				d.Reason = ReasonPreviousIncomplete
			}
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// lessonPassed reports whether a lesson satisfies its advancement rule.
func lessonPassed(snap *progress.Snapshot, lesson course.Lesson) bool {
	if hasThresholds(lesson) {
		for _, sec := range lesson.Sections {
			if sec.MasteryThreshold > 0 && !snap.Sections[sec.ID].MasteryAchieved {
				return false
			}
		}
		return true
	}
	return snap.Lessons[lesson.ID].PercentComplete == 100
}

func lessonBlockReason(prev course.Lesson) string {
	if hasThresholds(prev) {
		return ReasonLessonMasteryGap
	}
	return ReasonLessonIncomplete
}

func hasThresholds(lesson course.Lesson) bool {
	for _, sec := range lesson.Sections {
		if sec.MasteryThreshold > 0 {
			return true
		}
	}
	return false
}
