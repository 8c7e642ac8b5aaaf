// Package session owns the lifetime of one open room view. All state the
// view needs (identity, focus, the retained last feed snapshot, the
// rendered transcript) lives on the session and dies with it; there is no
// module-global mutable state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/reconcile"
	"chatsync/internal/typing"
	"chatsync/internal/upload"
	"chatsync/internal/view"
)

// ErrNoRoom is the navigation error for a view opened without a room
// identifier or title. Fatal to the view, not the process.
var ErrNoRoom = errors.New("missing room id or title")

// ErrEmptyMessage rejects a send with neither text nor attachment.
var ErrEmptyMessage = errors.New("nothing to send")

// RenderFunc receives the full transcript after every state change.
type RenderFunc func(lines []string)

// Session is one user's live view of one room.
type Session struct {
	roomID string
	title  string
	self   domain.Identity

	backend domain.Backend
	logger  *slog.Logger
	rec     *reconcile.Reconciler
	typer   *typing.Signaler
	uploads *upload.Pipeline

	msgSub domain.Subscription
	typSub domain.Subscription

	mu         sync.Mutex
	focused    bool
	lastSnap   *domain.Snapshot // retained for focus-regain rescan
	messages   []domain.Message
	peerTyping bool
	onRender   RenderFunc
	now        func() time.Time

	wg     sync.WaitGroup
	closed sync.Once
}

// Open attaches to a room: resolves identity (anonymous fallback included),
// subscribes to the ordered message feed and the typing collection, and
// starts the reconcile loop. The session starts unfocused.
func Open(ctx context.Context, backend domain.Backend, roomID, title string, logger *slog.Logger, onRender RenderFunc) (*Session, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(title) == "" {
		return nil, ErrNoRoom
	}

	ident, err := backend.CurrentIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	msgSub, err := backend.Subscribe(ctx, domain.MessagesCollection(roomID), domain.Query{
		OrderByCreatedAt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	typSub, err := backend.Subscribe(ctx, domain.TypingCollection(roomID), domain.Query{})
	if err != nil {
		msgSub.Close()
		return nil, fmt.Errorf("subscribe typing: %w", err)
	}

	s := &Session{
		roomID:   roomID,
		title:    title,
		self:     ident,
		backend:  backend,
		logger:   logger,
		rec:      reconcile.New(backend, roomID, ident.UID, logger),
		typer:    typing.NewSignaler(backend, roomID, ident.UID, logger),
		uploads:  upload.NewPipeline(backend, roomID, logger),
		msgSub:   msgSub,
		typSub:   typSub,
		onRender: onRender,
		now:      time.Now,
	}

	metrics.OpenSessions.Inc()
	s.wg.Add(1)
	go s.loop(ctx)

	logger.Info("room attached", "room", roomID, "title", title, "uid", ident.UID)
	return s, nil
}

func (s *Session) RoomID() string        { return s.roomID }
func (s *Session) Title() string         { return s.title }
func (s *Session) Self() domain.Identity { return s.self }

// Uploads exposes the room's attachment pipeline.
func (s *Session) Uploads() *upload.Pipeline { return s.uploads }

// loop consumes both push feeds until the session closes. Everything that
// mutates view state runs here or under s.mu, never concurrently from
// multiple feeds.
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	msgs := s.msgSub.Snapshots()
	typs := s.typSub.Snapshots()

	for msgs != nil || typs != nil {
		select {
		case snap, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.applyMessages(ctx, snap)
		case snap, ok := <-typs:
			if !ok {
				typs = nil
				continue
			}
			s.applyTyping(snap)
		}
	}
}

func (s *Session) applyMessages(ctx context.Context, snap domain.Snapshot) {
	s.mu.Lock()
	focused := s.focused
	s.lastSnap = &snap
	s.mu.Unlock()

	out := s.rec.Apply(ctx, snap, focused)

	s.mu.Lock()
	s.messages = out.Messages
	s.mu.Unlock()
	s.render()
}

func (s *Session) applyTyping(snap domain.Snapshot) {
	active := view.PeerTyping(typing.DecodeFlags(snap), s.self.UID)

	s.mu.Lock()
	changed := s.peerTyping != active
	s.peerTyping = active
	s.mu.Unlock()
	if changed {
		s.render()
	}
}

func (s *Session) render() {
	s.mu.Lock()
	lines := view.Transcript(s.messages, s.self.UID, s.now(), s.peerTyping)
	render := s.onRender
	s.mu.Unlock()
	if render != nil {
		render(lines)
	}
}

// Transcript returns the current rendered view.
func (s *Session) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view.Transcript(s.messages, s.self.UID, s.now(), s.peerTyping)
}

// Focus marks the view as holding input focus and immediately re-scans the
// retained last snapshot for unseen messages. Deferred seen receipts are
// settled from memory, not from a fresh fetch.
func (s *Session) Focus(ctx context.Context) {
	s.mu.Lock()
	s.focused = true
	snap := s.lastSnap
	s.mu.Unlock()

	if snap != nil {
		s.rec.MarkSeen(ctx, *snap)
	}
}

// Blur drops input focus and forces the typing state back to idle.
func (s *Session) Blur() {
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
	s.typer.Blur()
}

// Focused reports whether the view currently holds input focus.
func (s *Session) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Keystroke forwards input activity to the typing signaler.
func (s *Session) Keystroke() { s.typer.Keystroke() }

// Send appends a message to the room. The sender is seeded into
// deliveredTo; seenBy starts empty. Typing state clears after a send, the
// same as the input emptying. An empty send is rejected before any backend
// call.
func (s *Session) Send(ctx context.Context, text, imageURL string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && imageURL == "" {
		return "", ErrEmptyMessage
	}

	id, err := s.backend.AppendDoc(ctx, domain.MessagesCollection(s.roomID),
		domain.NewMessageFields(s.self.UID, text, imageURL))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	s.typer.Blur()
	return id, nil
}

// Close detaches from the room: subscriptions cancelled, typing cleared,
// loop drained. Idempotent.
func (s *Session) Close() {
	s.closed.Do(func() {
		s.typer.Stop()
		s.msgSub.Close()
		s.typSub.Close()
		s.wg.Wait()
		metrics.OpenSessions.Dec()
		s.logger.Info("room detached", "room", s.roomID)
	})
}

// SetClock overrides the render clock. Test hook.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.rec.SetClock(now)
}
