// Package reconcile holds the message stream reconciler: the logic that
// turns each full feed snapshot into a consistent rendered transcript and
// the minimal set of corrective receipt writes.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/view"
)

// Reconciler processes the ordered message feed of one room on behalf of
// one user. It never re-sorts: feed order is the backend's ascending
// timestamp query and ties stay wherever the backend put them.
//
// Note on receipt ordering: seenBy can gain an entry before deliveredTo has
// one, because the two set updates are independent writes with no enforced
// order between them. That matches the observed service behavior and is
// deliberately left as is rather than silently coupled.
type Reconciler struct {
	backend domain.Backend
	roomID  string
	self    string
	logger  *slog.Logger
	now     func() time.Time
}

func New(backend domain.Backend, roomID, self string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		backend: backend,
		roomID:  roomID,
		self:    self,
		logger:  logger,
		now:     time.Now,
	}
}

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Messages   []domain.Message
	Transcript []string // rendered view, without the typing row
	Delivered  int      // deliveredTo writes issued this pass
	Seen       int      // seenBy writes issued this pass
}

// Apply runs one full pass over a feed snapshot: render, record delivery
// for every foreign message that has not reached this client yet, record
// seen state when focus is held, and advance the room read marker.
//
// Re-applying an identical snapshot issues zero writes: every update is
// pre-checked against set membership, so the pass is idempotent. A failed
// receipt write is logged and abandoned for this cycle; the membership
// check still fails on the next push, which retries it naturally.
func (r *Reconciler) Apply(ctx context.Context, snap domain.Snapshot, focused bool) Outcome {
	metrics.SnapshotsTotal.Inc()

	out := Outcome{Messages: decode(r.roomID, snap)}

	for _, m := range out.Messages {
		if m.Sent(r.self) || m.DeliveredToUser(r.self) {
			continue
		}
		if err := r.addReceipt(ctx, m.ID, domain.FieldDeliveredTo); err != nil {
			r.logger.Warn("delivery receipt failed", "room", r.roomID, "message", m.ID, "err", err)
			metrics.ReceiptFailures.Inc()
			continue
		}
		metrics.DeliveredWrites.Inc()
		out.Delivered++
	}

	if focused {
		out.Seen = r.MarkSeen(ctx, snap)
	}

	// The read marker advances on every processed snapshot regardless of
	// focus; unread counts derive from it without per-message seen state.
	if r.self != "" {
		if err := r.backend.UpsertDoc(ctx, domain.ReadMarkerPath(r.self, r.roomID),
			domain.Fields{domain.FieldLastRead: domain.ServerTimestamp}, true); err != nil {
			r.logger.Warn("read marker upsert failed", "room", r.roomID, "err", err)
		} else {
			metrics.ReadMarkerWrites.Inc()
		}
	}

	out.Transcript = view.Transcript(out.Messages, r.self, r.now(), false)
	return out
}

// MarkSeen records seen state for every foreign message in the snapshot the
// user has not seen yet. Called from Apply while focused, and again with
// the retained last snapshot when focus is regained: no fresh fetch, the
// deferred work re-scans what the feed already delivered.
func (r *Reconciler) MarkSeen(ctx context.Context, snap domain.Snapshot) int {
	seen := 0
	for _, m := range decode(r.roomID, snap) {
		if m.Sent(r.self) || m.SeenByUser(r.self) {
			continue
		}
		if err := r.addReceipt(ctx, m.ID, domain.FieldSeenBy); err != nil {
			r.logger.Warn("seen receipt failed", "room", r.roomID, "message", m.ID, "err", err)
			metrics.ReceiptFailures.Inc()
			continue
		}
		metrics.SeenWrites.Inc()
		seen++
	}
	return seen
}

func (r *Reconciler) addReceipt(ctx context.Context, messageID, field string) error {
	return r.backend.UpsertDoc(ctx, domain.MessagePath(r.roomID, messageID),
		domain.Fields{field: domain.ArrayUnion(r.self)}, true)
}

func decode(roomID string, snap domain.Snapshot) []domain.Message {
	msgs := make([]domain.Message, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		msgs = append(msgs, domain.MessageFromDoc(roomID, d))
	}
	return msgs
}

// SetClock overrides the render clock. Test hook.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }
