// Package typing publishes the local user's typing state with debounce and
// derives the remote indicator from peer typing flags.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

// DefaultIdleAfter is how long after the last keystroke the typing state
// falls back to idle.
const DefaultIdleAfter = 1200 * time.Millisecond

// Signaler is the per-room, per-user typing state machine: Idle or Typing.
// Each transition publishes its flag exactly once; keystrokes while already
// typing only reset the inactivity timer.
type Signaler struct {
	backend   domain.Backend
	roomID    string
	self      string
	idleAfter time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	typing   bool
	timer    *time.Timer
	pending  []bool
	draining bool
}

func NewSignaler(backend domain.Backend, roomID, self string, logger *slog.Logger) *Signaler {
	return &Signaler{
		backend:   backend,
		roomID:    roomID,
		self:      self,
		idleAfter: DefaultIdleAfter,
		logger:    logger,
	}
}

// SetIdleAfter overrides the inactivity window. Test hook.
func (s *Signaler) SetIdleAfter(d time.Duration) { s.idleAfter = d }

// Keystroke records input activity. The first keystroke since idle
// publishes typing=true; every keystroke restarts the inactivity timer.
func (s *Signaler) Keystroke() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.typing {
		s.timer.Reset(s.idleAfter)
		return
	}
	s.typing = true
	s.timer = time.AfterFunc(s.idleAfter, s.expire)
	s.enqueue(true)
}

// Blur forces the state back to idle, publishing typing=false if a
// transition actually happens. Called when the input loses focus.
func (s *Signaler) Blur() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toIdle()
}

// Stop tears the signaler down, clearing any published typing state.
func (s *Signaler) Stop() {
	s.Blur()
}

// expire fires on the inactivity timer.
func (s *Signaler) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toIdle()
}

func (s *Signaler) toIdle() {
	if !s.typing {
		return
	}
	s.typing = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.enqueue(false)
}

// enqueue records an edge for publication. Called with s.mu held; the
// backend write happens on the drain goroutine so keystrokes, blur and the
// expiry timer never wait on it.
func (s *Signaler) enqueue(typing bool) {
	metrics.TypingEdges.Inc()
	s.pending = append(s.pending, typing)
	if s.draining {
		return
	}
	s.draining = true
	go s.drain()
}

// drain writes queued edges in transition order.
func (s *Signaler) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		typing := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.publish(typing)
	}
}

// publish overwrites the ephemeral typing flag. Fire-and-forget: a failed
// write only delays the indicator until the next edge.
func (s *Signaler) publish(typing bool) {
	err := s.backend.UpsertDoc(context.Background(), domain.TypingPath(s.roomID, s.self), domain.Fields{
		domain.FieldTyping:    typing,
		domain.FieldTimestamp: domain.ServerTimestamp,
	}, false)
	if err != nil {
		s.logger.Warn("typing publish failed", "room", s.roomID, "typing", typing, "err", err)
	}
}

// DecodeFlags decodes a typing collection snapshot.
func DecodeFlags(snap domain.Snapshot) []domain.TypingFlag {
	flags := make([]domain.TypingFlag, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		flags = append(flags, domain.TypingFromDoc(d))
	}
	return flags
}
