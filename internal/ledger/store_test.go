package ledger_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-progress/internal/ledger"
)

func intPtr(v int) *int { return &v }

func testEvent(deviceID string, seq uint64) ledger.ProgressEvent {
	return ledger.ProgressEvent{
		LearnerID:       "learner-1",
		CourseID:        "algebra-101",
		SectionID:       "s1",
		Type:            ledger.TypeStarted,
		ClientTimestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DeviceID:        deviceID,
		SequenceNumber:  seq,
	}
}

func TestMemoryStore_Append(t *testing.T) {
	store := ledger.NewMemoryStore()

	entry, err := store.Append(t.Context(), testEvent("phone", 1))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.LedgerSequence != 1 {
		t.Errorf("LedgerSequence = %d, want 1", entry.LedgerSequence)
	}
	if entry.AcceptedAt.IsZero() {
		t.Error("AcceptedAt should be set")
	}

	entry2, err := store.Append(t.Context(), testEvent("phone", 2))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry2.LedgerSequence != 2 {
		t.Errorf("LedgerSequence = %d, want 2", entry2.LedgerSequence)
	}
}

func TestMemoryStore_Append_Duplicate(t *testing.T) {
	store := ledger.NewMemoryStore()

	if _, err := store.Append(t.Context(), testEvent("phone", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	_, err := store.Append(t.Context(), testEvent("phone", 1))
	if !errors.Is(err, ledger.ErrDuplicate) {
		t.Fatalf("Append() duplicate error = %v, want ErrDuplicate", err)
	}

	// The duplicate must not have grown the ledger.
	entries, err := store.Read(t.Context(), "learner-1", "algebra-101", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger length = %d, want 1", len(entries))
	}
}

func TestMemoryStore_Append_SameSeqDifferentDevices(t *testing.T) {
	store := ledger.NewMemoryStore()

	if _, err := store.Append(t.Context(), testEvent("phone", 1)); err != nil {
		t.Fatalf("Append(phone) error = %v", err)
	}
	if _, err := store.Append(t.Context(), testEvent("laptop", 1)); err != nil {
		t.Fatalf("Append(laptop) error = %v; same seq on another device is distinct", err)
	}
}

func TestMemoryStore_Append_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.ProgressEvent)
	}{
		{"no-learner", func(e *ledger.ProgressEvent) { e.LearnerID = "" }},
		{"no-course", func(e *ledger.ProgressEvent) { e.CourseID = "" }},
		{"no-section", func(e *ledger.ProgressEvent) { e.SectionID = "" }},
		{"no-device", func(e *ledger.ProgressEvent) { e.DeviceID = "" }},
		{"zero-seq", func(e *ledger.ProgressEvent) { e.SequenceNumber = 0 }},
		{"bad-type", func(e *ledger.ProgressEvent) { e.Type = "finished" }},
		{"score-on-started", func(e *ledger.ProgressEvent) { e.Score = intPtr(50) }},
		{"score-missing", func(e *ledger.ProgressEvent) { e.Type = ledger.TypeScoreSubmitted }},
		{"score-over-100", func(e *ledger.ProgressEvent) {
			e.Type = ledger.TypeScoreSubmitted
			e.Score = intPtr(101)
		}},
	}

	store := ledger.NewMemoryStore()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent("phone", 99)
			tt.mutate(&ev)
			if _, err := store.Append(t.Context(), ev); err == nil {
				t.Error("Append() should reject invalid event")
			}
		})
	}
}

func TestMemoryStore_Read_Watermark(t *testing.T) {
	store := ledger.NewMemoryStore()

	for seq := uint64(1); seq <= 5; seq++ {
		if _, err := store.Append(t.Context(), testEvent("phone", seq)); err != nil {
			t.Fatalf("Append(%d) error = %v", seq, err)
		}
	}

	tests := []struct {
		name    string
		fromSeq uint64
		want    int
	}{
		{"full-replay", 0, 5},
		{"from-middle", 3, 2},
		{"caught-up", 5, 0},
		{"beyond", 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.Read(t.Context(), "learner-1", "algebra-101", tt.fromSeq)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("Read(fromSeq=%d) = %d entries, want %d", tt.fromSeq, len(entries), tt.want)
			}
			for i, e := range entries {
				want := tt.fromSeq + uint64(i) + 1
				if e.LedgerSequence != want {
					t.Errorf("entry %d LedgerSequence = %d, want %d", i, e.LedgerSequence, want)
				}
			}
		})
	}
}

func TestMemoryStore_StreamsAreIndependent(t *testing.T) {
	store := ledger.NewMemoryStore()

	a := testEvent("phone", 1)
	b := testEvent("phone", 1)
	b.CourseID = "geometry-201"

	ea, err := store.Append(t.Context(), a)
	if err != nil {
		t.Fatalf("Append(a) error = %v", err)
	}
	eb, err := store.Append(t.Context(), b)
	if err != nil {
		t.Fatalf("Append(b) error = %v", err)
	}
	if ea.LedgerSequence != 1 || eb.LedgerSequence != 1 {
		t.Errorf("sequences = %d, %d; each course ledger starts at 1", ea.LedgerSequence, eb.LedgerSequence)
	}
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	store := ledger.NewMemoryStore()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, err := store.Append(t.Context(), testEvent("phone", seq))
			if err != nil {
				t.Errorf("Append(%d) error = %v", seq, err)
			}
		}(uint64(i) + 1)
	}
	wg.Wait()

	entries, err := store.Read(t.Context(), "learner-1", "algebra-101", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(entries) != n {
		t.Fatalf("ledger length = %d, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.LedgerSequence != uint64(i)+1 {
			t.Fatalf("entry %d LedgerSequence = %d; sequences must be dense and ordered", i, e.LedgerSequence)
		}
	}
}
