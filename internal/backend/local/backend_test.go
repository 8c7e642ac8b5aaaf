package local

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Options{
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

// stepClock installs a clock that advances one second per call.
func stepClock(b *Backend) {
	var mu sync.Mutex
	tick := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	})
}

func TestUpsert_MergePreservesUnnamedFields(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	if err := b.UpsertDoc(ctx, "chatrooms/r1", domain.Fields{
		domain.FieldTitle:  "general",
		domain.FieldPinned: false,
	}, false); err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertDoc(ctx, "chatrooms/r1", domain.Fields{domain.FieldPinned: true}, true); err != nil {
		t.Fatal(err)
	}

	doc, ok, err := b.FetchDoc(ctx, "chatrooms/r1")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	room := domain.RoomFromDoc(doc)
	if room.Title != "general" || !room.Pinned {
		t.Fatalf("room = %+v, merge should keep title and flip pinned", room)
	}
}

func TestUpsert_ReplaceDropsUnnamedFields(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	if err := b.UpsertDoc(ctx, "chatrooms/r1", domain.Fields{
		domain.FieldTitle:  "general",
		domain.FieldPinned: true,
	}, false); err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertDoc(ctx, "chatrooms/r1", domain.Fields{domain.FieldTitle: "renamed"}, false); err != nil {
		t.Fatal(err)
	}

	doc, _, err := b.FetchDoc(ctx, "chatrooms/r1")
	if err != nil {
		t.Fatal(err)
	}
	room := domain.RoomFromDoc(doc)
	if room.Title != "renamed" || room.Pinned {
		t.Fatalf("room = %+v, replace should drop the pinned flag", room)
	}
}

func TestServerTimestamp_ResolvedAtCommit(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	stepClock(b)

	id, err := b.AppendDoc(ctx, "chatrooms/r1/messages", domain.NewMessageFields("alice", "hi", ""))
	if err != nil {
		t.Fatal(err)
	}

	doc, ok, err := b.FetchDoc(ctx, "chatrooms/r1/messages/"+id)
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	msg := domain.MessageFromDoc("r1", doc)
	want := time.Date(2026, 3, 10, 9, 0, 1, 0, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Fatalf("createdAt = %v, want server clock %v", msg.CreatedAt, want)
	}
}

func TestArrayUnion_AddsWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	id, err := b.AppendDoc(ctx, "chatrooms/r1/messages", domain.NewMessageFields("alice", "hi", ""))
	if err != nil {
		t.Fatal(err)
	}
	path := "chatrooms/r1/messages/" + id

	for i := 0; i < 3; i++ {
		if err := b.UpsertDoc(ctx, path, domain.Fields{
			domain.FieldDeliveredTo: domain.ArrayUnion("bob"),
		}, true); err != nil {
			t.Fatal(err)
		}
	}

	doc, _, err := b.FetchDoc(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	msg := domain.MessageFromDoc("r1", doc)
	if len(msg.DeliveredTo) != 2 || msg.DeliveredTo[0] != "alice" || msg.DeliveredTo[1] != "bob" {
		t.Fatalf("deliveredTo = %v, repeated unions must not duplicate", msg.DeliveredTo)
	}
	if !msg.Sent("alice") || !msg.DeliveredToUser("bob") {
		t.Fatalf("decoded message = %+v", msg)
	}
}

func TestQuery_OrderLimitAndRange(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	stepClock(b)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := b.AppendDoc(ctx, "chatrooms/r1/messages", domain.NewMessageFields("alice", text, ""))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	asc, err := b.FetchDocs(ctx, "chatrooms/r1/messages", domain.Query{OrderByCreatedAt: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 3 || asc[0].ID != ids[0] || asc[2].ID != ids[2] {
		t.Fatalf("ascending order wrong: %v", docIDs(asc))
	}

	last, err := b.FetchDocs(ctx, "chatrooms/r1/messages", domain.Query{
		OrderByCreatedAt: true, Descending: true, Limit: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].ID != ids[2] {
		t.Fatalf("descending limit 1 = %v, want newest", docIDs(last))
	}

	after, err := b.FetchDocs(ctx, "chatrooms/r1/messages", domain.Query{
		CreatedAfter: time.Date(2026, 3, 10, 9, 0, 1, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Fatalf("range query = %v, want the two newer docs", docIDs(after))
	}
}

func docIDs(docs []domain.Doc) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestSubscribe_InitialAndPushedSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := openTestBackend(t)

	sub, err := b.Subscribe(ctx, "chatrooms/r1/messages", domain.Query{OrderByCreatedAt: true})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	snap := waitSnapshot(t, sub)
	if len(snap.Docs) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", docIDs(snap.Docs))
	}

	if _, err := b.AppendDoc(ctx, "chatrooms/r1/messages", domain.NewMessageFields("bob", "hi", "")); err != nil {
		t.Fatal(err)
	}

	snap = waitSnapshot(t, sub)
	if len(snap.Docs) != 1 {
		t.Fatalf("pushed snapshot = %v, want the full new set", docIDs(snap.Docs))
	}
}

func TestSubscribe_WaitsOutInFlightCommit(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	coll := "chatrooms/r1/messages"

	// Hold the write lock the way a committing writer does. Subscribe must
	// not register and emit mid-commit: a pre-commit initial snapshot would
	// displace the commit's fan-out and leave the feed stale.
	b.writeMu.Lock()

	type opened struct {
		sub domain.Subscription
		err error
	}
	subCh := make(chan opened, 1)
	go func() {
		sub, err := b.Subscribe(ctx, coll, domain.Query{OrderByCreatedAt: true})
		subCh <- opened{sub, err}
	}()

	select {
	case <-subCh:
		b.writeMu.Unlock()
		t.Fatal("subscribe completed during an in-flight commit")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.store.putDoc(coll, "m1", domain.NewMessageFields("bob", "hi", ""), false, time.Now().UTC()); err != nil {
		b.writeMu.Unlock()
		t.Fatal(err)
	}
	b.fanOut(coll)
	b.writeMu.Unlock()

	got := <-subCh
	if got.err != nil {
		t.Fatal(got.err)
	}
	defer got.sub.Close()

	snap := waitSnapshot(t, got.sub)
	if len(snap.Docs) != 1 {
		t.Fatalf("initial snapshot = %v, want the committed message", docIDs(snap.Docs))
	}
}

func TestSubscribe_CoalescesToLatest(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	sub, err := b.Subscribe(ctx, "chatrooms/r1/messages", domain.Query{OrderByCreatedAt: true})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// No reader draining: pending emissions get displaced, never queued.
	for i := 0; i < 10; i++ {
		if _, err := b.AppendDoc(ctx, "chatrooms/r1/messages", domain.NewMessageFields("bob", "hi", "")); err != nil {
			t.Fatal(err)
		}
	}

	var snap domain.Snapshot
	deadline := time.After(2 * time.Second)
	for len(snap.Docs) < 10 {
		select {
		case snap = <-sub.Snapshots():
		case <-deadline:
			t.Fatalf("latest snapshot never delivered, last had %d docs", len(snap.Docs))
		}
	}
}

func TestSubscribe_ContextCancelClosesFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := openTestBackend(t)

	sub, err := b.Subscribe(ctx, "chatrooms/r1/messages", domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, sub)

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				return // drained any pending emission, channel closed
			}
		case <-deadline:
			t.Fatal("feed never closed after cancel")
		}
	}
}

func waitSnapshot(t *testing.T, sub domain.Subscription) domain.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot within deadline")
		return domain.Snapshot{}
	}
}

func TestUploadObject_StoresAndResolvesURL(t *testing.T) {
	ctx := context.Background()
	b, err := New(Options{
		DBPath:  filepath.Join(t.TempDir(), "backend.db"),
		UserID:  "alice",
		BaseURL: "http://127.0.0.1:8790",
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	payload := bytes.Repeat([]byte("x"), 70*1024)
	var progress []int
	url, err := b.UploadObject(ctx, "chatrooms/r1/images/1-a.png", bytes.NewReader(payload), int64(len(payload)), func(pct int) {
		progress = append(progress, pct)
	})
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://127.0.0.1:8790/objects/chatrooms/r1/images/1-a.png" {
		t.Fatalf("url = %q", url)
	}

	if len(progress) == 0 || progress[0] != 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress = %v, want 0..100", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress regressed: %v", progress)
		}
	}

	data, ok, err := b.GetObject("chatrooms/r1/images/1-a.png")
	if err != nil || !ok {
		t.Fatalf("get object: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("stored %d bytes, want %d", len(data), len(payload))
	}
}

func TestUploadObject_ShortReadFails(t *testing.T) {
	b := openTestBackend(t)
	_, err := b.UploadObject(context.Background(), "k", bytes.NewReader([]byte("abc")), 10, nil)
	if err == nil {
		t.Fatal("expected short read error")
	}
}

func TestCurrentIdentity_AnonymousIsStable(t *testing.T) {
	ctx := context.Background()
	b, err := New(Options{
		DBPath: filepath.Join(t.TempDir(), "backend.db"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	first, err := b.CurrentIdentity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Anonymous || first.UID == "" {
		t.Fatalf("identity = %+v, want minted anonymous", first)
	}
	second, err := b.CurrentIdentity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.UID != first.UID {
		t.Fatalf("anonymous identity changed: %q then %q", first.UID, second.UID)
	}
}

func TestFetchDoc_MissingAndBadPath(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, ok, err := b.FetchDoc(ctx, "chatrooms/missing")
	if err != nil || ok {
		t.Fatalf("missing doc: ok=%v err=%v", ok, err)
	}
	if _, _, err := b.FetchDoc(ctx, "nopath"); err == nil {
		t.Fatal("expected invalid path error")
	}
}
