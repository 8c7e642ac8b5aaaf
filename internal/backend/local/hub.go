package local

import (
	"log/slog"
	"sync"

	"chatsync/internal/domain"
)

// hub fans committed writes out to collection subscribers as full snapshots.
// Delivery is coalescing: each subscriber holds at most one pending snapshot
// and a newer one replaces it, since only the latest state matters.
type hub struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID int
	closed bool
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{subs: make(map[string][]*subscription), logger: logger}
}

// subscription implements domain.Subscription for the local backend.
type subscription struct {
	id         int
	collection string
	query      domain.Query
	ch         chan domain.Snapshot
	hub        *hub
	closed     bool // guarded by hub.mu
	once       sync.Once
}

func (s *subscription) Snapshots() <-chan domain.Snapshot { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		s.hub.mu.Lock()
		s.closed = true
		s.hub.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (h *hub) add(collection string, q domain.Query) (*subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrClosed
	}
	h.nextID++
	sub := &subscription{
		id:         h.nextID,
		collection: collection,
		query:      q,
		ch:         make(chan domain.Snapshot, 1),
		hub:        h,
	}
	h.subs[collection] = append(h.subs[collection], sub)
	return sub, nil
}

func (h *hub) remove(target *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[target.collection]
	for i, s := range subs {
		if s.id == target.id {
			h.subs[target.collection] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// snapshotters returns the live subscribers for a collection so the caller
// can evaluate each subscriber's query outside the lock.
func (h *hub) snapshotters(collection string) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return append([]*subscription(nil), h.subs[collection]...)
}

// push delivers a snapshot to one subscriber, displacing any unconsumed
// older emission. The lock makes pushes single-sender and keeps the send
// from racing a concurrent Close.
func (h *hub) push(sub *subscription, snap domain.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- snap:
			return
		default:
			select {
			case <-sub.ch: // drop the stale pending snapshot
			default:
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*subscription
	for _, subs := range h.subs {
		all = append(all, subs...)
	}
	for _, s := range all {
		s.closed = true
	}
	h.subs = make(map[string][]*subscription)
	h.mu.Unlock()

	// Channel closes happen outside the lock: a concurrent Close holds its
	// once while waiting for the same lock.
	for _, s := range all {
		s.once.Do(func() { close(s.ch) })
	}
}
