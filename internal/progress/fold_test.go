package progress_test

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/ledger"
	"github.com/p-n-ai/pai-progress/internal/progress"
)

func intPtr(v int) *int { return &v }

// testCourse is two lessons of two sections each, all weight 1.0, with a
// mastery threshold of 80 on the second section of lesson 1.
func testCourse() *course.Course {
	return &course.Course{
		ID:      "algebra-101",
		Version: "1",
		Lessons: []course.Lesson{
			{ID: "l1", Sections: []course.Section{
				{ID: "s1", Weight: 1},
				{ID: "s2", Weight: 1, MasteryThreshold: 80},
			}},
			{ID: "l2", Sections: []course.Section{
				{ID: "s3", Weight: 1},
				{ID: "s4", Weight: 1},
			}},
		},
	}
}

func entry(seq uint64, sectionID, eventType string, score *int) ledger.Entry {
	return ledger.Entry{
		ProgressEvent: ledger.ProgressEvent{
			LearnerID:       "learner-1",
			CourseID:        "algebra-101",
			SectionID:       sectionID,
			Type:            eventType,
			Score:           score,
			ClientTimestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
			DeviceID:        "phone",
			SequenceNumber:  seq,
		},
		LedgerSequence: seq,
		AcceptedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestRecompute_Empty(t *testing.T) {
	snap, err := progress.Recompute(testCourse(), 100, nil)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if snap.PercentComplete != 0 {
		t.Errorf("PercentComplete = %v, want 0", snap.PercentComplete)
	}
	if snap.CertificateEligible {
		t.Error("CertificateEligible = true for empty ledger")
	}
	if len(snap.Sections) != 4 {
		t.Errorf("Sections = %d, want 4 (every structure section materialized)", len(snap.Sections))
	}
}

// TestRecompute_WorkedExample walks the scenario from the product brief:
// complete s1 (lesson1 at 50%), score 60 then 85 on s2, complete s2
// (bestScore 85, mastered, lesson1 at 100%).
func TestRecompute_WorkedExample(t *testing.T) {
	c := testCourse()

	// After completing s1 only.
	snap, err := progress.Recompute(c, 100, []ledger.Entry{
		entry(1, "s1", ledger.TypeStarted, nil),
		entry(2, "s1", ledger.TypeCompleted, nil),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if got := snap.Lessons["l1"].PercentComplete; got != 50 {
		t.Errorf("lesson1 percent = %v, want 50", got)
	}
	if got := snap.PercentComplete; got != 25 {
		t.Errorf("course percent = %v, want 25", got)
	}

	// Score 60 then 85, then complete.
	snap, err = progress.Recompute(c, 100, []ledger.Entry{
		entry(1, "s1", ledger.TypeStarted, nil),
		entry(2, "s1", ledger.TypeCompleted, nil),
		entry(3, "s2", ledger.TypeStarted, nil),
		entry(4, "s2", ledger.TypeScoreSubmitted, intPtr(60)),
		entry(5, "s2", ledger.TypeScoreSubmitted, intPtr(85)),
		entry(6, "s2", ledger.TypeCompleted, nil),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}

	s2 := snap.Sections["s2"]
	if s2.BestScore == nil || *s2.BestScore != 85 {
		t.Errorf("s2 BestScore = %v, want 85", s2.BestScore)
	}
	if !s2.MasteryAchieved {
		t.Error("s2 MasteryAchieved = false, want true (85 >= 80 and completed)")
	}
	if got := snap.Lessons["l1"].PercentComplete; got != 100 {
		t.Errorf("lesson1 percent = %v, want 100", got)
	}
	if !snap.Lessons["l1"].MasteryAchieved {
		t.Error("lesson1 MasteryAchieved = false, want true")
	}
	if got := snap.PercentComplete; got != 50 {
		t.Errorf("course percent = %v, want 50", got)
	}
}

func TestRecompute_MonotonicBestScore(t *testing.T) {
	c := testCourse()

	snap, err := progress.Recompute(c, 100, []ledger.Entry{
		entry(1, "s2", ledger.TypeScoreSubmitted, intPtr(90)),
		entry(2, "s2", ledger.TypeScoreSubmitted, intPtr(40)),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}

	if got := snap.Sections["s2"].BestScore; got == nil || *got != 90 {
		t.Errorf("BestScore = %v, want 90 (a later lower score never regresses)", got)
	}
}

func TestRecompute_MasteryRequiresCompletion(t *testing.T) {
	c := testCourse()

	// A mastery-level score without completion is not mastery.
	snap, err := progress.Recompute(c, 100, []ledger.Entry{
		entry(1, "s2", ledger.TypeScoreSubmitted, intPtr(95)),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if snap.Sections["s2"].MasteryAchieved {
		t.Error("MasteryAchieved = true without completion")
	}
}

func TestRecompute_CertificateEligibility(t *testing.T) {
	c := testCourse()

	complete := []ledger.Entry{
		entry(1, "s1", ledger.TypeCompleted, nil),
		entry(2, "s2", ledger.TypeScoreSubmitted, intPtr(85)),
		entry(3, "s2", ledger.TypeCompleted, nil),
		entry(4, "s3", ledger.TypeCompleted, nil),
		entry(5, "s4", ledger.TypeCompleted, nil),
	}

	snap, err := progress.Recompute(c, 100, complete)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if snap.PercentComplete != 100 {
		t.Errorf("PercentComplete = %v, want 100", snap.PercentComplete)
	}
	if !snap.CertificateEligible {
		t.Error("CertificateEligible = false for fully mastered course")
	}

	// Same completions but the thresholded section never reached 80.
	unmastered := []ledger.Entry{
		entry(1, "s1", ledger.TypeCompleted, nil),
		entry(2, "s2", ledger.TypeScoreSubmitted, intPtr(60)),
		entry(3, "s2", ledger.TypeCompleted, nil),
		entry(4, "s3", ledger.TypeCompleted, nil),
		entry(5, "s4", ledger.TypeCompleted, nil),
	}
	snap, err = progress.Recompute(c, 100, unmastered)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if snap.PercentComplete != 100 {
		t.Errorf("PercentComplete = %v, want 100", snap.PercentComplete)
	}
	if snap.CertificateEligible {
		t.Error("CertificateEligible = true with an unmastered thresholded section")
	}
}

func TestRecompute_WeightedPercentages(t *testing.T) {
	c := &course.Course{
		ID:      "weighted",
		Version: "1",
		Lessons: []course.Lesson{
			{ID: "l1", Sections: []course.Section{
				{ID: "a", Weight: 3},
				{ID: "b", Weight: 1},
			}},
		},
	}

	snap, err := progress.Recompute(c, 100, []ledger.Entry{
		entry(1, "a", ledger.TypeCompleted, nil),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if got := snap.Lessons["l1"].PercentComplete; got != 75 {
		t.Errorf("lesson percent = %v, want 75 (weight 3 of total 4)", got)
	}
}

func TestRecompute_IgnoresUnknownSections(t *testing.T) {
	snap, err := progress.Recompute(testCourse(), 100, []ledger.Entry{
		entry(1, "ghost", ledger.TypeCompleted, nil),
		entry(2, "s1", ledger.TypeCompleted, nil),
	})
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if _, ok := snap.Sections["ghost"]; ok {
		t.Error("unknown section must not appear in snapshot")
	}
	if !snap.Sections["s1"].Completed {
		t.Error("known section must still fold")
	}
}

// randomEntries produces a deterministic pseudo-random event stream over the
// test course's sections.
func randomEntries(rng *rand.Rand, n int) []ledger.Entry {
	sections := []string{"s1", "s2", "s3", "s4"}
	types := []string{ledger.TypeStarted, ledger.TypeCompleted, ledger.TypeScoreSubmitted}

	entries := make([]ledger.Entry, 0, n)
	for i := 0; i < n; i++ {
		sec := sections[rng.Intn(len(sections))]
		typ := types[rng.Intn(len(types))]
		var score *int
		if typ == ledger.TypeScoreSubmitted {
			score = intPtr(rng.Intn(101))
		}
		entries = append(entries, entry(uint64(i)+1, sec, typ, score))
	}
	return entries
}

// TestRecompute_ReplayDeterminism recomputes the same ordered ledger many
// times and demands identical snapshots each time.
func TestRecompute_ReplayDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	entries := randomEntries(rng, 200)
	c := testCourse()

	first, err := progress.Recompute(c, 100, entries)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := progress.Recompute(c, 100, entries)
		if err != nil {
			t.Fatalf("Recompute() replay %d error = %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("replay %d produced a different snapshot", i)
		}
	}
}

// TestApplyIncremental_EquivalentToRecompute checks the required invariant:
// folding entries one at a time matches a full recompute at every prefix.
func TestApplyIncremental_EquivalentToRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := randomEntries(rng, 120)
	c := testCourse()

	var incremental *progress.Snapshot
	var err error
	for i, e := range entries {
		incremental, err = progress.ApplyIncremental(c, 100, incremental, e)
		if err != nil {
			t.Fatalf("ApplyIncremental(%d) error = %v", i, err)
		}

		full, err := progress.Recompute(c, 100, entries[:i+1])
		if err != nil {
			t.Fatalf("Recompute(prefix %d) error = %v", i, err)
		}
		if !reflect.DeepEqual(incremental, full) {
			t.Fatalf("prefix %d: incremental snapshot differs from full recompute", i)
		}
	}
}

func TestApplyIncremental_SkipsAlreadyFolded(t *testing.T) {
	c := testCourse()
	e1 := entry(1, "s1", ledger.TypeCompleted, nil)

	snap, err := progress.ApplyIncremental(c, 100, nil, e1)
	if err != nil {
		t.Fatalf("ApplyIncremental() error = %v", err)
	}

	again, err := progress.ApplyIncremental(c, 100, snap, e1)
	if err != nil {
		t.Fatalf("ApplyIncremental() replay error = %v", err)
	}
	if !reflect.DeepEqual(snap, again) {
		t.Error("re-applying a folded entry must be a no-op")
	}
}
