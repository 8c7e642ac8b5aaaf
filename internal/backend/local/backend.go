// Package local implements the document-and-object backend on SQLite. It
// gives the sync client real server semantics (assigned ids, a commit
// clock, merge upserts, ordered queries, full-snapshot fan-out) without a
// hosted service.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"

	"github.com/google/uuid"
)

const uploadChunkSize = 32 * 1024

// Options configures a local backend.
type Options struct {
	DBPath  string
	UserID  string // acting identity; empty mints an anonymous one
	BaseURL string // public prefix for object URLs, e.g. http://host:port
	Logger  *slog.Logger
}

// Backend implements domain.Backend on a SQLite store with in-process
// snapshot fan-out.
type Backend struct {
	store   *store
	hub     *hub
	logger  *slog.Logger
	baseURL string
	now     func() time.Time

	identityMu sync.Mutex
	identity   domain.Identity

	writeMu sync.Mutex // serializes write+fanout so snapshots never reorder
	closed  bool
}

var _ domain.Backend = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st, err := openStore(opts.DBPath, logger)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		store:   st,
		hub:     newHub(logger),
		logger:  logger,
		baseURL: opts.BaseURL,
		now:     time.Now,
	}
	if opts.UserID != "" {
		b.identity = domain.Identity{UID: opts.UserID}
	}
	return b, nil
}

func (b *Backend) Close() error {
	b.writeMu.Lock()
	b.closed = true
	b.writeMu.Unlock()
	b.hub.close()
	return b.store.close()
}

func (b *Backend) Subscribe(ctx context.Context, collection string, q domain.Query) (domain.Subscription, error) {
	// Register and emit under writeMu so a concurrent commit cannot fan out
	// between the initial query and its push; a stale initial snapshot would
	// displace the fresh one and sit on the channel until the next write.
	b.writeMu.Lock()
	if b.closed {
		b.writeMu.Unlock()
		return nil, domain.ErrClosed
	}
	sub, err := b.hub.add(collection, q)
	if err != nil {
		b.writeMu.Unlock()
		return nil, err
	}

	// Initial emission: subscribers always start from the full current set.
	docs, err := b.store.queryDocs(collection, q)
	if err != nil {
		b.writeMu.Unlock()
		sub.Close()
		return nil, err
	}
	b.hub.push(sub, domain.Snapshot{Collection: collection, Docs: docs})
	b.writeMu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

func (b *Backend) FetchDocs(ctx context.Context, collection string, q domain.Query) ([]domain.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.store.queryDocs(collection, q)
}

func (b *Backend) FetchDoc(ctx context.Context, path string) (domain.Doc, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Doc{}, false, err
	}
	collection, id, err := splitDocPath(path)
	if err != nil {
		return domain.Doc{}, false, err
	}
	return b.store.getDoc(collection, id)
}

func (b *Backend) UpsertDoc(ctx context.Context, path string, fields domain.Fields, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return domain.ErrClosed
	}
	if err := b.store.putDoc(collection, id, fields, merge, b.now().UTC()); err != nil {
		return err
	}
	b.fanOut(collection)
	return nil
}

func (b *Backend) AppendDoc(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return "", domain.ErrClosed
	}
	id := uuid.NewString()
	if err := b.store.putDoc(collection, id, fields, false, b.now().UTC()); err != nil {
		return "", err
	}
	b.fanOut(collection)
	return id, nil
}

// fanOut re-evaluates every subscriber's query and pushes the fresh full
// snapshot. Called with writeMu held so emissions follow commit order.
func (b *Backend) fanOut(collection string) {
	for _, sub := range b.hub.snapshotters(collection) {
		docs, err := b.store.queryDocs(collection, sub.query)
		if err != nil {
			b.logger.Error("snapshot query failed", "collection", collection, "err", err)
			continue
		}
		b.hub.push(sub, domain.Snapshot{Collection: collection, Docs: docs})
	}
}

func (b *Backend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, progress func(pct int)) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("upload %s: negative size", key)
	}
	if progress != nil {
		progress(0)
	}

	data := make([]byte, 0, size)
	buf := make([]byte, uploadChunkSize)
	var read int64
	for read < size {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		want := int64(len(buf))
		if remaining := size - read; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		read += int64(n)
		data = append(data, buf[:n]...)
		if err != nil {
			return "", fmt.Errorf("upload %s: read at %d/%d bytes: %w", key, read, size, err)
		}
		if progress != nil {
			progress(int(read * 100 / size))
		}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return "", domain.ErrClosed
	}
	if err := b.store.putObject(key, data, b.now().UTC()); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if progress != nil {
		progress(100)
	}
	return b.objectURL(key), nil
}

// GetObject serves stored object bytes, for the HTTP object endpoint.
func (b *Backend) GetObject(key string) ([]byte, bool, error) {
	return b.store.getObject(key)
}

func (b *Backend) objectURL(key string) string {
	if b.baseURL != "" {
		return b.baseURL + "/objects/" + key
	}
	return "object://" + key
}

// CurrentIdentity returns the configured user, minting and caching an
// anonymous identity when none was set.
func (b *Backend) CurrentIdentity(ctx context.Context) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	if b.identity.UID == "" {
		b.identity = domain.Identity{
			UID:       "anon-" + uuid.NewString()[:8],
			Anonymous: true,
		}
		b.logger.Info("signed in anonymously", "uid", b.identity.UID)
	}
	return b.identity, nil
}

// splitDocPath splits "collection/.../id" into collection path and doc id.
func splitDocPath(path string) (collection, id string, err error) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 || i == len(path)-1 {
				break
			}
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid document path %q", path)
}

// SetClock overrides the server clock. Test hook.
func (b *Backend) SetClock(now func() time.Time) { b.now = now }
