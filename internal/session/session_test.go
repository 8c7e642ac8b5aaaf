package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/internal/backend/local"
	"chatsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBackend(t *testing.T) *local.Backend {
	t.Helper()
	b, err := local.New(local.Options{
		DBPath: filepath.Join(t.TempDir(), "backend.db"),
		UserID: "alice",
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// waitFor drains renders until one satisfies the predicate.
func waitFor(t *testing.T, renders <-chan []string, what string, ok func(lines []string) bool) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var last []string
	for {
		select {
		case lines := <-renders:
			last = lines
			if ok(lines) {
				return lines
			}
		case <-deadline:
			t.Fatalf("%s never rendered, last transcript: %v", what, last)
		}
	}
}

func TestOpen_RejectsBlankRoom(t *testing.T) {
	b := testBackend(t)
	if _, err := Open(context.Background(), b, "  ", "general", testLogger(), nil); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("blank room id: err = %v", err)
	}
	if _, err := Open(context.Background(), b, "r1", "", testLogger(), nil); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("blank title: err = %v", err)
	}
}

func TestSend_ValidatesAndAppends(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	s, err := Open(ctx, b, "r1", "general", testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Send(ctx, "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty send: err = %v", err)
	}

	id, err := s.Send(ctx, "  hello  ", "")
	if err != nil {
		t.Fatal(err)
	}

	doc, ok, err := b.FetchDoc(ctx, domain.MessagePath("r1", id))
	if err != nil || !ok {
		t.Fatalf("fetch sent message: ok=%v err=%v", ok, err)
	}
	msg := domain.MessageFromDoc("r1", doc)
	if msg.Text != "hello" {
		t.Fatalf("text = %q, want trimmed", msg.Text)
	}
	if !msg.DeliveredToUser("alice") || len(msg.SeenBy) != 0 {
		t.Fatalf("receipt seeding wrong: %+v", msg)
	}
}

func TestSend_ImageOnlyIsAllowed(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	s, err := Open(ctx, b, "r1", "general", testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id, err := s.Send(ctx, "", "http://x/objects/pic.png")
	if err != nil {
		t.Fatal(err)
	}
	doc, _, err := b.FetchDoc(ctx, domain.MessagePath("r1", id))
	if err != nil {
		t.Fatal(err)
	}
	if domain.MessageFromDoc("r1", doc).ImageURL != "http://x/objects/pic.png" {
		t.Fatalf("image message = %+v", doc.Fields)
	}
}

func TestSession_DeliversThenSeesOnFocus(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	renders := make(chan []string, 16)
	s, err := Open(ctx, b, "r1", "general", testLogger(), func(lines []string) {
		select {
		case renders <- lines:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Peer message arrives while the session is unfocused.
	id, err := b.AppendDoc(ctx, domain.MessagesCollection("r1"), domain.NewMessageFields("bob", "hi there", ""))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, renders, "peer message", func(lines []string) bool {
		return strings.Contains(strings.Join(lines, "\n"), "bob: hi there")
	})

	// Delivery receipt lands without focus, seen does not.
	waitReceipt(t, b, "r1", id, func(m domain.Message) bool { return m.DeliveredToUser("alice") })
	doc, _, err := b.FetchDoc(ctx, domain.MessagePath("r1", id))
	if err != nil {
		t.Fatal(err)
	}
	if domain.MessageFromDoc("r1", doc).SeenByUser("alice") {
		t.Fatal("seen receipt must wait for focus")
	}

	// Regained focus settles the deferred seen receipt from the retained
	// snapshot.
	s.Focus(ctx)
	waitReceipt(t, b, "r1", id, func(m domain.Message) bool { return m.SeenByUser("alice") })
}

func waitReceipt(t *testing.T, b *local.Backend, roomID, id string, ok func(domain.Message) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		doc, found, err := b.FetchDoc(context.Background(), domain.MessagePath(roomID, id))
		if err != nil {
			t.Fatal(err)
		}
		if found && ok(domain.MessageFromDoc(roomID, doc)) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("receipt never recorded on %s", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSession_PeerTypingRow(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	renders := make(chan []string, 16)
	s, err := Open(ctx, b, "r1", "general", testLogger(), func(lines []string) {
		select {
		case renders <- lines:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := b.UpsertDoc(ctx, domain.TypingPath("r1", "bob"), domain.Fields{
		domain.FieldTyping:    true,
		domain.FieldTimestamp: domain.ServerTimestamp,
	}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, renders, "typing indicator", func(lines []string) bool {
		return len(lines) > 0 && lines[len(lines)-1] == "· · ·"
	})

	if err := b.UpsertDoc(ctx, domain.TypingPath("r1", "bob"), domain.Fields{
		domain.FieldTyping:    false,
		domain.FieldTimestamp: domain.ServerTimestamp,
	}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, renders, "indicator clear", func(lines []string) bool {
		return len(lines) == 0 || lines[len(lines)-1] != "· · ·"
	})
}

func TestSession_OwnTypingNeverIndicates(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	s, err := Open(ctx, b, "r1", "general", testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Keystroke()

	// The signaler's own flag lands in the backend but must not surface as a
	// peer indicator.
	deadline := time.After(3 * time.Second)
	for {
		doc, ok, err := b.FetchDoc(ctx, domain.TypingPath("r1", "alice"))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			flag := domain.TypingFromDoc(doc)
			if !flag.Typing {
				t.Fatalf("flag = %+v", flag)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("typing flag never published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for _, line := range s.Transcript() {
		if line == "· · ·" {
			t.Fatal("own typing must not render an indicator")
		}
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	b := testBackend(t)
	s, err := Open(context.Background(), b, "r1", "general", testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
}
