package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client implements domain.Backend against a remote chatsync backend. One
// WebSocket connection multiplexes every subscription and request; uploads
// go over HTTP PUT on the same host.
type Client struct {
	baseURL string
	logger  *slog.Logger
	self    domain.Identity

	conn    *websocket.Conn
	writeMu sync.Mutex
	http    *http.Client

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame
	subs    map[int64]*clientSub
	closed  bool

	done chan struct{}
	once sync.Once
}

var _ domain.Backend = (*Client)(nil)

// Dial connects to a backend at baseURL (e.g. http://127.0.0.1:8790). The
// acting identity is userID, or a freshly minted anonymous one when empty.
// Anonymous identity lives client-side, per connection, the way a browser
// session would.
func Dial(ctx context.Context, baseURL, userID string, logger *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	self := domain.Identity{UID: userID}
	if self.UID == "" {
		self = domain.Identity{UID: "anon-" + uuid.NewString()[:8], Anonymous: true}
		logger.Info("signed in anonymously", "uid", self.UID)
	}

	c := &Client{
		baseURL: baseURL,
		logger:  logger,
		self:    self,
		conn:    conn,
		http:    &http.Client{},
		pending: make(map[int64]chan frame),
		subs:    make(map[int64]*clientSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := make([]*clientSub, 0, len(c.subs))
		for _, s := range c.subs {
			s.closed = true
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.finish()
		}
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// readLoop dispatches results to their waiting request and snapshots to
// their subscription until the connection drops.
func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logger.Warn("backend connection lost", "err", err)
			c.Close()
			return
		}

		switch f.Type {
		case frameResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}

		case frameSnapshot:
			c.mu.Lock()
			sub, ok := c.subs[f.Sub]
			c.mu.Unlock()
			if ok {
				sub.push(domain.Snapshot{Collection: f.Collection, Docs: decodeDocs(f.Docs)})
			}
		}
	}
}

// request sends a frame and waits for its result.
func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	f.ID = c.nextID.Add(1)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, domain.ErrClosed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("backend: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, domain.ErrClosed
	}
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// clientSub is a remote subscription feed with coalescing delivery.
type clientSub struct {
	id     int64
	client *Client
	ch     chan domain.Snapshot
	closed bool // guarded by client.mu
	once   sync.Once
}

func (s *clientSub) Snapshots() <-chan domain.Snapshot { return s.ch }

func (s *clientSub) Close() error {
	s.client.mu.Lock()
	delete(s.client.subs, s.id)
	s.closed = true
	s.client.mu.Unlock()
	s.client.write(frame{Type: frameUnsubscribe, Sub: s.id})
	s.finish()
	return nil
}

func (s *clientSub) finish() {
	s.once.Do(func() { close(s.ch) })
}

// push delivers under client.mu so a concurrent Close cannot close the
// channel between the stale-snapshot drain and the send. The read loop is
// the only sender, so the displace loop terminates.
func (s *clientSub) push(snap domain.Snapshot) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch: // displace the stale pending snapshot
			default:
			}
		}
	}
}

func (c *Client) Subscribe(ctx context.Context, collection string, q domain.Query) (domain.Subscription, error) {
	sub := &clientSub{
		id:     c.nextID.Add(1),
		client: c,
		ch:     make(chan domain.Snapshot, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrClosed
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	_, err := c.request(ctx, frame{
		Type:       frameSubscribe,
		Sub:        sub.id,
		Collection: collection,
		Query:      encodeQuery(q),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-c.done:
			}
		}()
	}
	return sub, nil
}

func (c *Client) FetchDocs(ctx context.Context, collection string, q domain.Query) ([]domain.Doc, error) {
	resp, err := c.request(ctx, frame{Type: frameFetch, Collection: collection, Query: encodeQuery(q)})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	return decodeDocs(resp.Docs), nil
}

func (c *Client) FetchDoc(ctx context.Context, path string) (domain.Doc, bool, error) {
	resp, err := c.request(ctx, frame{Type: frameFetchDoc, Path: path})
	if err != nil {
		return domain.Doc{}, false, fmt.Errorf("fetch %s: %w", path, err)
	}
	if !resp.Found || resp.Doc == nil {
		return domain.Doc{}, false, nil
	}
	return domain.Doc{ID: resp.Doc.ID, Fields: domain.Fields(resp.Doc.Fields)}, true, nil
}

func (c *Client) UpsertDoc(ctx context.Context, path string, fields domain.Fields, merge bool) error {
	_, err := c.request(ctx, frame{
		Type:   frameUpsert,
		Path:   path,
		Fields: encodeFields(fields),
		Merge:  merge,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

func (c *Client) AppendDoc(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	resp, err := c.request(ctx, frame{
		Type:       frameAppend,
		Collection: collection,
		Fields:     encodeFields(fields),
	})
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", collection, err)
	}
	return resp.DocID, nil
}

// UploadObject streams the object over HTTP PUT, reporting progress as the
// request body is consumed.
func (c *Client) UploadObject(ctx context.Context, key string, r io.Reader, size int64, progress func(pct int)) (string, error) {
	if progress != nil {
		progress(0)
	}
	body := io.Reader(r)
	if progress != nil && size > 0 {
		body = &progressReader{r: r, total: size, progress: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/objects/"+key, body)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload %s: backend returned %d: %s", key, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload %s: decode response: %w", key, err)
	}
	if progress != nil {
		progress(100)
	}
	return out.URL, nil
}

func (c *Client) CurrentIdentity(ctx context.Context) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}
	return c.self, nil
}

// progressReader reports cumulative read percentage as the HTTP transport
// drains the upload body.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	p.progress(pct)
	return n, err
}
