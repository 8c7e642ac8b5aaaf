// Package view renders message snapshots into a deterministic line-based
// transcript. Rendering is a pure projection: the same snapshot always
// yields byte-identical output and nothing here mutates backend state.
package view

import (
	"time"

	"chatsync/internal/domain"
)

// Mark classifies the receipt glyph on a locally authored message.
type Mark int

const (
	MarkNone       Mark = iota // foreign message, no receipt shown
	MarkSingle                 // no peer has the message yet
	MarkDouble                 // delivered to at least one peer, seen by none
	MarkDoubleSeen             // seen by at least one peer
)

const (
	glyphSingle     = "✓"
	glyphDouble     = "✓✓"
	glyphDoubleSeen = "\x1b[34m✓✓\x1b[0m" // accent color
	typingLine      = "· · ·"
)

// ReceiptMark derives the receipt state for a message authored by self.
// Counts exclude self on both sets: the author implicitly holds their own
// message. Seen takes precedence over delivered, so a peer recorded in
// seenBy but not deliveredTo still renders as seen.
func ReceiptMark(m domain.Message, self string) Mark {
	if !m.Sent(self) {
		return MarkNone
	}
	delivered := countOthers(m.DeliveredTo, self)
	seen := countOthers(m.SeenBy, self)
	switch {
	case seen > 0:
		return MarkDoubleSeen
	case delivered > 0:
		return MarkDouble
	default:
		return MarkSingle
	}
}

func countOthers(ids []string, self string) int {
	n := 0
	for _, id := range ids {
		if id != self {
			n++
		}
	}
	return n
}

// Transcript renders the full visible message list for one snapshot. A day
// separator precedes every message whose calendar day differs from the
// previously rendered one, including the very first message. When peers are
// typing, a transient indicator row closes the transcript.
func Transcript(msgs []domain.Message, self string, now time.Time, peerTyping bool) []string {
	lines := make([]string, 0, len(msgs)+4)
	var lastDay time.Time
	haveDay := false

	for _, m := range msgs {
		at := displayTime(m, now)
		if !haveDay || !sameDay(lastDay, at) {
			lines = append(lines, separatorLine(at, now))
		}
		lastDay = at
		haveDay = true
		lines = append(lines, messageLine(m, self, at))
	}

	if peerTyping {
		lines = append(lines, typingLine)
	}
	return lines
}

// displayTime substitutes the render clock when the server timestamp has not
// resolved yet, the same fallback the feed shows for a just-sent message.
func displayTime(m domain.Message, now time.Time) time.Time {
	if m.CreatedAt.IsZero() {
		return now
	}
	return m.CreatedAt
}

func messageLine(m domain.Message, self string, at time.Time) string {
	body := m.Text
	if m.ImageURL != "" {
		if body != "" {
			body = "[image " + m.ImageURL + "] " + body
		} else {
			body = "[image " + m.ImageURL + "]"
		}
	}

	line := at.Format("03:04 PM") + "  " + m.SenderID + ": " + body
	switch ReceiptMark(m, self) {
	case MarkSingle:
		line += " " + glyphSingle
	case MarkDouble:
		line += " " + glyphDouble
	case MarkDoubleSeen:
		line += " " + glyphDoubleSeen
	}
	return line
}

func separatorLine(day, now time.Time) string {
	return "── " + SeparatorLabel(day, now) + " ──"
}

// SeparatorLabel names a calendar day relative to now: Today, Yesterday, or
// the long date.
func SeparatorLabel(day, now time.Time) string {
	switch {
	case sameDay(day, now):
		return "Today"
	case sameDay(day, now.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("January 2, 2006")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// PeerTyping reports whether any user other than self currently has an
// active typing flag in the decoded set. Pure current state, no history.
func PeerTyping(flags []domain.TypingFlag, self string) bool {
	for _, f := range flags {
		if f.UserID != self && f.Typing {
			return true
		}
	}
	return false
}
