package domain

import "time"

// Message is one chat message inside a room. IDs and CreatedAt are assigned
// by the backend; the client never invents either.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	Text        string
	ImageURL    string
	CreatedAt   time.Time // server-assigned, ascending per room
	DeliveredTo []string  // participant ids whose client reached this message
	SeenBy      []string  // participant ids who viewed it while focused
}

// Sent reports whether the message was authored by the given user.
func (m Message) Sent(uid string) bool { return m.SenderID == uid }

// DeliveredToUser reports whether uid is already recorded in DeliveredTo.
func (m Message) DeliveredToUser(uid string) bool { return contains(m.DeliveredTo, uid) }

// SeenByUser reports whether uid is already recorded in SeenBy.
func (m Message) SeenByUser(uid string) bool { return contains(m.SeenBy, uid) }

func contains(ids []string, uid string) bool {
	for _, id := range ids {
		if id == uid {
			return true
		}
	}
	return false
}

// Room is a named chatroom. Rooms are created by explicit user action and
// never deleted by this system.
type Room struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Pinned    bool
}

// ReadMarker is the per-user-per-room high-water timestamp used to derive
// unread counts without per-message seen state. Upsert-only, last write wins.
type ReadMarker struct {
	LastRead time.Time
}

// MuteFlag is the per-user-per-room mute toggle. No history is kept.
type MuteFlag struct {
	Muted bool
}

// TypingFlag is the ephemeral per-user-per-room typing state. It is
// overwritten on every debounce edge, never accumulated.
type TypingFlag struct {
	UserID    string
	Typing    bool
	UpdatedAt time.Time
}

// Identity is the authenticated (or anonymous) user the client acts as.
type Identity struct {
	UID       string
	Anonymous bool
}
