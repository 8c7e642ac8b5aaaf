package seed

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"chatsync/internal/backend/local"
	"chatsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const fixture = `
rooms:
  - title: general
    pinned: true
    messages:
      - sender: alice
        text: welcome
      - sender: bob
        text: hello
        image: http://x/objects/pic.png
  - title: random
`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_ParsesFixture(t *testing.T) {
	s, err := LoadFile(writeFixture(t, fixture))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Rooms) != 2 || s.Rooms[0].Title != "general" || !s.Rooms[0].Pinned {
		t.Fatalf("rooms = %+v", s.Rooms)
	}
	if len(s.Rooms[0].Messages) != 2 || s.Rooms[0].Messages[1].Image == "" {
		t.Fatalf("messages = %+v", s.Rooms[0].Messages)
	}
}

func TestLoadFile_RejectsMissingTitle(t *testing.T) {
	if _, err := LoadFile(writeFixture(t, "rooms:\n  - pinned: true\n")); err == nil {
		t.Fatal("expected missing title error")
	}
}

func TestLoadFile_RejectsMissingSender(t *testing.T) {
	bad := "rooms:\n  - title: general\n    messages:\n      - text: orphan\n"
	if _, err := LoadFile(writeFixture(t, bad)); err == nil {
		t.Fatal("expected missing sender error")
	}
}

func TestApply_CreatesRoomsAndMessages(t *testing.T) {
	ctx := context.Background()
	b, err := local.New(local.Options{
		DBPath: filepath.Join(t.TempDir(), "backend.db"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	s, err := LoadFile(writeFixture(t, fixture))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(ctx, b, testLogger()); err != nil {
		t.Fatal(err)
	}

	rooms, err := b.FetchDocs(ctx, domain.RoomsCollection, domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("rooms = %d", len(rooms))
	}

	var general string
	for _, doc := range rooms {
		room := domain.RoomFromDoc(doc)
		if room.Title == "general" {
			general = room.ID
			if !room.Pinned || room.CreatedAt.IsZero() {
				t.Fatalf("general room = %+v", room)
			}
		}
	}
	if general == "" {
		t.Fatal("general room not created")
	}

	msgs, err := b.FetchDocs(ctx, domain.MessagesCollection(general), domain.Query{OrderByCreatedAt: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	var fromBob *domain.Message
	for _, doc := range msgs {
		m := domain.MessageFromDoc(general, doc)
		if m.SenderID == "bob" {
			fromBob = &m
		}
	}
	if fromBob == nil || fromBob.ImageURL != "http://x/objects/pic.png" {
		t.Fatalf("bob's message = %+v", fromBob)
	}
	if !fromBob.DeliveredToUser("bob") {
		t.Fatal("seeded messages should carry the sender in deliveredTo")
	}
}
