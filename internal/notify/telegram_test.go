package notify

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"chatsync/internal/directory"
	"chatsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	sent []string
	fail bool
}

func (f *fakeSender) Send(text string) error {
	if f.fail {
		return errors.New("telegram down")
	}
	f.sent = append(f.sent, text)
	return nil
}

func entry(roomID, title string, unread int, muted bool) directory.Entry {
	return directory.Entry{
		Room:    domain.Room{ID: roomID, Title: title},
		Preview: "latest text",
		Unread:  unread,
		Muted:   muted,
	}
}

func TestCheck_NotifiesOnGrowth(t *testing.T) {
	sender := &fakeSender{}
	n := New(nil, sender, 0, testLogger())

	n.Check([]directory.Entry{entry("r1", "general", 1, false)})
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}
	if !strings.Contains(sender.sent[0], "general: 1 unread message(s)") ||
		!strings.Contains(sender.sent[0], "latest text") {
		t.Fatalf("notification text = %q", sender.sent[0])
	}

	// Same count again: no repeat.
	n.Check([]directory.Entry{entry("r1", "general", 1, false)})
	if len(sender.sent) != 1 {
		t.Fatalf("unchanged count must not renotify, sent = %v", sender.sent)
	}

	n.Check([]directory.Entry{entry("r1", "general", 3, false)})
	if len(sender.sent) != 2 {
		t.Fatalf("growth should notify again, sent = %v", sender.sent)
	}
}

func TestCheck_MutedRoomStaysSilentButAdvances(t *testing.T) {
	sender := &fakeSender{}
	n := New(nil, sender, 0, testLogger())

	n.Check([]directory.Entry{entry("r1", "general", 5, true)})
	if len(sender.sent) != 0 {
		t.Fatalf("muted room notified: %v", sender.sent)
	}

	// Unmuting with the same count must not replay the old backlog.
	n.Check([]directory.Entry{entry("r1", "general", 5, false)})
	if len(sender.sent) != 0 {
		t.Fatalf("stale backlog replayed after unmute: %v", sender.sent)
	}

	n.Check([]directory.Entry{entry("r1", "general", 6, false)})
	if len(sender.sent) != 1 {
		t.Fatalf("new growth after unmute should notify, sent = %v", sender.sent)
	}
}

func TestCheck_FailedSendRetriesNextPoll(t *testing.T) {
	sender := &fakeSender{fail: true}
	n := New(nil, sender, 0, testLogger())

	n.Check([]directory.Entry{entry("r1", "general", 2, false)})
	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v", sender.sent)
	}

	sender.fail = false
	n.Check([]directory.Entry{entry("r1", "general", 2, false)})
	if len(sender.sent) != 1 {
		t.Fatalf("baseline rollback should retry on the next poll, sent = %v", sender.sent)
	}
}

func TestCheck_CountDropResetsBaseline(t *testing.T) {
	sender := &fakeSender{}
	n := New(nil, sender, 0, testLogger())

	n.Check([]directory.Entry{entry("r1", "general", 4, false)})
	// Room read elsewhere: unread drops to zero.
	n.Check([]directory.Entry{entry("r1", "general", 0, false)})
	n.Check([]directory.Entry{entry("r1", "general", 1, false)})
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want initial and post-reset notifications", sender.sent)
	}
}
