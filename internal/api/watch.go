package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-progress/internal/progress"
)

// Hub fans refreshed snapshots out to websocket watchers. Publishing never
// blocks: a subscriber that lags keeps only the latest snapshot, which is
// always a superset of what it missed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan *progress.Snapshot]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *progress.Snapshot]struct{})}
}

func watchKey(learnerID, courseID string) string {
	return learnerID + "/" + courseID
}

// SnapshotUpdated satisfies the reconciler's notifier.
func (h *Hub) SnapshotUpdated(learnerID, courseID string, snap *progress.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[watchKey(learnerID, courseID)] {
		// Drop the stale pending snapshot, if any, then offer the new one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (h *Hub) subscribe(learnerID, courseID string) chan *progress.Snapshot {
	ch := make(chan *progress.Snapshot, 1)
	key := watchKey(learnerID, courseID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan *progress.Snapshot]struct{})
	}
	h.subs[key][ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(learnerID, courseID string, ch chan *progress.Snapshot) {
	key := watchKey(learnerID, courseID)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[key], ch)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	learnerID, courseID := r.PathValue("learnerID"), r.PathValue("courseID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := s.hub.subscribe(learnerID, courseID)
	defer s.hub.unsubscribe(learnerID, courseID, ch)

	ctx := r.Context()

	// Current state first so the client renders without waiting for an event.
	if snap, err := s.engine.Current(ctx, learnerID, courseID); err == nil {
		if err := writeSnapshot(ctx, conn, snap); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case snap := <-ch:
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap *progress.Snapshot) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, snap)
}
