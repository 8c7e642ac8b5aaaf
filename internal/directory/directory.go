// Package directory loads and maintains the room list: last message
// preview, unread count derived from the read marker, pinned-first order,
// and mute state patched in place from the backend's push feed.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chatsync/internal/domain"
)

// ErrEmptyTitle rejects room creation with a blank name.
var ErrEmptyTitle = errors.New("room title must not be empty")

// NoMessagesPreview is the preview text for a room with no messages yet.
const NoMessagesPreview = "No messages yet..."

// Entry is one rendered row of the room list.
type Entry struct {
	Room    domain.Room
	Preview string         // last message text, or NoMessagesPreview
	Last    domain.Message // full last message, zero when none
	Unread  int
	Muted   bool
}

// Directory reads the room set on behalf of one user.
type Directory struct {
	backend domain.Backend
	self    string
	logger  *slog.Logger
}

func New(backend domain.Backend, self string, logger *slog.Logger) *Directory {
	return &Directory{backend: backend, self: self, logger: logger}
}

// Load fetches every room and, concurrently per room, its most recent
// message, the viewer's unread count and mute flag. Each load is a full
// rebuild; incremental updates only exist for mute state via WatchMutes.
// Sort order: pinned rooms first, stable otherwise.
func (d *Directory) Load(ctx context.Context) ([]Entry, error) {
	docs, err := d.backend.FetchDocs(ctx, domain.RoomsCollection, domain.Query{})
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	entries := make([]Entry, len(docs))
	errs := make([]error, len(docs))
	var wg sync.WaitGroup
	for i, doc := range docs {
		wg.Add(1)
		go func(i int, room domain.Room) {
			defer wg.Done()
			entries[i], errs[i] = d.loadEntry(ctx, room)
		}(i, domain.RoomFromDoc(doc))
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Room.Pinned && !entries[j].Room.Pinned
	})
	return entries, nil
}

func (d *Directory) loadEntry(ctx context.Context, room domain.Room) (Entry, error) {
	entry := Entry{Room: room, Preview: NoMessagesPreview}

	last, err := d.backend.FetchDocs(ctx, domain.MessagesCollection(room.ID), domain.Query{
		OrderByCreatedAt: true,
		Descending:       true,
		Limit:            1,
	})
	if err != nil {
		return entry, fmt.Errorf("last message for %s: %w", room.ID, err)
	}
	if len(last) > 0 {
		msg := domain.MessageFromDoc(room.ID, last[0])
		entry.Last = msg
		entry.Preview = msg.Text
		if entry.Preview == "" && msg.ImageURL != "" {
			entry.Preview = "[image]"
		}
	}

	entry.Unread, err = d.UnreadCount(ctx, room.ID)
	if err != nil {
		return entry, err
	}

	doc, ok, err := d.backend.FetchDoc(ctx, domain.MutePath(d.self, room.ID))
	if err != nil {
		return entry, fmt.Errorf("mute flag for %s: %w", room.ID, err)
	}
	if ok {
		entry.Muted = domain.MuteFromDoc(doc).Muted
	}
	return entry, nil
}

// UnreadCount counts messages newer than the viewer's read marker, or every
// message when no marker exists yet.
func (d *Directory) UnreadCount(ctx context.Context, roomID string) (int, error) {
	q := domain.Query{}
	doc, ok, err := d.backend.FetchDoc(ctx, domain.ReadMarkerPath(d.self, roomID))
	if err != nil {
		return 0, fmt.Errorf("read marker for %s: %w", roomID, err)
	}
	if ok {
		q.CreatedAfter = domain.ReadMarkerFromDoc(doc).LastRead
	}

	msgs, err := d.backend.FetchDocs(ctx, domain.MessagesCollection(roomID), q)
	if err != nil {
		return 0, fmt.Errorf("unread count for %s: %w", roomID, err)
	}
	return len(msgs), nil
}

// CreateRoom adds a room with a backend-assigned id and creation time.
func (d *Directory) CreateRoom(ctx context.Context, title string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", ErrEmptyTitle
	}
	id, err := d.backend.AppendDoc(ctx, domain.RoomsCollection, domain.Fields{
		domain.FieldTitle:     title,
		domain.FieldCreatedAt: domain.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	d.logger.Info("room created", "room", id, "title", title)
	return id, nil
}

// ToggleMute flips the viewer's mute flag for a room and returns the new
// state. A room with no flag yet toggles to muted.
func (d *Directory) ToggleMute(ctx context.Context, roomID string) (bool, error) {
	muted := false
	doc, ok, err := d.backend.FetchDoc(ctx, domain.MutePath(d.self, roomID))
	if err != nil {
		return false, fmt.Errorf("read mute flag: %w", err)
	}
	if ok {
		muted = domain.MuteFromDoc(doc).Muted
	}

	next := !muted
	err = d.backend.UpsertDoc(ctx, domain.MutePath(d.self, roomID),
		domain.Fields{domain.FieldMuted: next}, false)
	if err != nil {
		return false, fmt.Errorf("update mute flag: %w", err)
	}
	return next, nil
}

// WatchMutes subscribes to the viewer's mute flags and invokes onChange per
// room on every push, so the caller patches just the affected row instead
// of rebuilding the list.
func (d *Directory) WatchMutes(ctx context.Context, onChange func(roomID string, muted bool)) (domain.Subscription, error) {
	sub, err := d.backend.Subscribe(ctx, domain.MutesCollection(d.self), domain.Query{})
	if err != nil {
		return nil, fmt.Errorf("watch mutes: %w", err)
	}
	go func() {
		for snap := range sub.Snapshots() {
			for _, doc := range snap.Docs {
				onChange(doc.ID, domain.MuteFromDoc(doc).Muted)
			}
		}
	}()
	return sub, nil
}

// Filter keeps entries whose title contains term, case-insensitively. An
// empty term keeps everything.
func Filter(entries []Entry, term string) []Entry {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Room.Title), term) {
			out = append(out, e)
		}
	}
	return out
}
