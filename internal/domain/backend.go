package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Backend is the document-and-object service everything syncs through.
// Implementations own persistence, ordering and fan-out; the client holds
// only transient projections derived from snapshots.
type Backend interface {
	// Subscribe opens a push feed over the collection. Every emission is the
	// complete current result set, not a diff. Cancel ctx or close the
	// subscription to stop the feed.
	Subscribe(ctx context.Context, collection string, q Query) (Subscription, error)

	// FetchDocs runs a one-shot query over the collection.
	FetchDocs(ctx context.Context, collection string, q Query) ([]Doc, error)

	// FetchDoc reads a single document. ok is false when it does not exist.
	FetchDoc(ctx context.Context, path string) (doc Doc, ok bool, err error)

	// UpsertDoc writes fields at path. With merge, existing fields not named
	// are preserved; without, the document is replaced.
	UpsertDoc(ctx context.Context, path string, fields Fields, merge bool) error

	// AppendDoc adds a document with a backend-assigned id to the collection.
	AppendDoc(ctx context.Context, collection string, fields Fields) (id string, err error)

	// UploadObject streams size bytes from r into the object store under key,
	// reporting 0-100 progress, and resolves a durable fetchable URL.
	UploadObject(ctx context.Context, key string, r io.Reader, size int64, progress func(pct int)) (url string, err error)

	// CurrentIdentity returns the acting user, minting an anonymous identity
	// when none is configured.
	CurrentIdentity(ctx context.Context) (Identity, error)
}

// Subscription is a cancellable feed of full snapshots.
type Subscription interface {
	// Snapshots never closes until the subscription is closed or its context
	// is cancelled. Emissions may be coalesced: only the latest state matters.
	Snapshots() <-chan Snapshot
	Close() error
}

// Snapshot is one emission of a subscribed query: the complete current
// result set in backend order.
type Snapshot struct {
	Collection string
	Docs       []Doc
}

// Doc is a raw backend document.
type Doc struct {
	ID     string
	Fields Fields
}

// Fields is the schemaless field set of a document.
type Fields map[string]any

// Query narrows and orders a collection read. The zero value returns every
// document in unspecified order.
type Query struct {
	OrderByCreatedAt bool
	Descending       bool
	Limit            int
	CreatedAfter     time.Time
}

// ServerTimestamp is a write sentinel: the backend replaces it with its own
// clock at commit time. Clients never write wall-clock times directly.
type serverTimestamp struct{}

var ServerTimestamp = serverTimestamp{}

// Union is a write sentinel for set-membership fields: the backend adds the
// listed values to the existing array, skipping ones already present, so
// concurrent duplicate attempts are safe by construction.
type Union struct {
	Values []string
}

// ArrayUnion builds a Union sentinel for the given ids.
func ArrayUnion(values ...string) Union { return Union{Values: values} }

// ErrClosed is returned by backend operations after shutdown.
var ErrClosed = errors.New("backend closed")
