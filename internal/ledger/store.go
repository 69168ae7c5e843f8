package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicate signals that an event's (device_id, sequence_number) pair has
// already been accepted for the learner+course. It represents a successful
// no-op: retrying clients must never see it as a failure.
var ErrDuplicate = errors.New("duplicate event")

// Entry is an accepted ProgressEvent plus the server-assigned position in the
// learner+course ledger. Entries are never mutated or deleted.
type Entry struct {
	ProgressEvent

	// LedgerSequence is monotonic per learner+course and totally orders the
	// ledger. All downstream determinism rests on this ordering.
	LedgerSequence uint64    `json:"ledger_sequence"`
	AcceptedAt     time.Time `json:"accepted_at"`
}

// Store persists the append-only ledger.
//
// Append must be linearizable per learner+course: sequence assignment and
// duplicate detection require strict ordering across concurrent writers.
// Different learner+course pairs share no state and proceed in parallel.
type Store interface {
	// Append accepts an event and assigns the next ledger sequence. Returns
	// ErrDuplicate for an already-accepted (device_id, sequence_number) pair.
	Append(ctx context.Context, event ProgressEvent) (Entry, error)

	// Read returns entries for a learner+course with LedgerSequence > fromSeq,
	// ordered by LedgerSequence. fromSeq 0 is a full replay; callers keep a
	// watermark to re-read incrementally. Full replay must always produce the
	// same entries in the same order.
	Read(ctx context.Context, learnerID, courseID string, fromSeq uint64) ([]Entry, error)
}

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// stream holds one learner+course ledger. Its mutex serializes appends; reads
// copy the entry slice so callers never observe later growth.
type stream struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]uint64 // "device\x00seq" -> ledger sequence
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*stream)}
}

func (s *MemoryStore) Append(_ context.Context, event ProgressEvent) (Entry, error) {
	if err := event.Validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid event: %w", err)
	}

	st := s.stream(event.LearnerID, event.CourseID)
	st.mu.Lock()
	defer st.mu.Unlock()

	pair := pairKey(event.DeviceID, event.SequenceNumber)
	if _, ok := st.seen[pair]; ok {
		return Entry{}, ErrDuplicate
	}

	entry := Entry{
		ProgressEvent:  event,
		LedgerSequence: uint64(len(st.entries)) + 1,
		AcceptedAt:     time.Now().UTC(),
	}
	st.entries = append(st.entries, entry)
	st.seen[pair] = entry.LedgerSequence
	return entry, nil
}

func (s *MemoryStore) Read(_ context.Context, learnerID, courseID string, fromSeq uint64) ([]Entry, error) {
	st := s.stream(learnerID, courseID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if fromSeq >= uint64(len(st.entries)) {
		return nil, nil
	}
	out := make([]Entry, len(st.entries)-int(fromSeq))
	copy(out, st.entries[fromSeq:])
	return out, nil
}

func (s *MemoryStore) stream(learnerID, courseID string) *stream {
	key := learnerID + "/" + courseID
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		st = &stream{seen: make(map[string]uint64)}
		s.streams[key] = st
	}
	return st
}

func pairKey(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s\x00%d", deviceID, seq)
}
