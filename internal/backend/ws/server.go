package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/internal/backend/local"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients authenticate at the identity layer, not by origin
	},
}

// Server bridges a local document backend to remote clients: the document
// API over /ws, object upload and download over /objects/, metrics on
// /metrics.
type Server struct {
	backend *local.Backend
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(backend *local.Backend, logger *slog.Logger) *Server {
	s := &Server{backend: backend, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/objects/", s.handleObject)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.mux.Handle("/metrics", metrics.Collector.Handler())
	return s
}

// Handler exposes the full HTTP surface, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("backend listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// conn is one connected client. Frames go out through a buffered send
// channel so subscription pushes never block the read loop.
type conn struct {
	ws     *websocket.Conn
	send   chan frame
	done   chan struct{}
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int64]domain.Subscription
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		ws:     wsConn,
		send:   make(chan frame, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
		subs:   make(map[int64]domain.Subscription),
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	s.readLoop(r.Context(), c)

	c.mu.Lock()
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
	c.mu.Unlock()
	close(c.done)
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("unexpected close", "err", err)
			}
			return
		}
		s.dispatch(ctx, c, f)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, f frame) {
	switch f.Type {
	case frameSubscribe:
		s.subscribe(ctx, c, f)

	case frameUnsubscribe:
		c.mu.Lock()
		if sub, ok := c.subs[f.Sub]; ok {
			sub.Close()
			delete(c.subs, f.Sub)
		}
		c.mu.Unlock()

	case frameFetch:
		docs, err := s.backend.FetchDocs(ctx, f.Collection, decodeQuery(f.Query))
		c.reply(frame{Type: frameResult, ID: f.ID, Docs: encodeDocs(docs), Error: errString(err)})

	case frameFetchDoc:
		doc, found, err := s.backend.FetchDoc(ctx, f.Path)
		resp := frame{Type: frameResult, ID: f.ID, Found: found, Error: errString(err)}
		if found {
			resp.Doc = &wireDoc{ID: doc.ID, Fields: doc.Fields}
		}
		c.reply(resp)

	case frameUpsert:
		err := s.backend.UpsertDoc(ctx, f.Path, decodeFields(f.Fields), f.Merge)
		c.reply(frame{Type: frameResult, ID: f.ID, Error: errString(err)})

	case frameAppend:
		id, err := s.backend.AppendDoc(ctx, f.Collection, decodeFields(f.Fields))
		c.reply(frame{Type: frameResult, ID: f.ID, DocID: id, Error: errString(err)})

	default:
		c.reply(frame{Type: frameResult, ID: f.ID, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

// subscribe opens a backend subscription and forwards every snapshot to the
// client under the client-assigned subscription id.
func (s *Server) subscribe(ctx context.Context, c *conn, f frame) {
	sub, err := s.backend.Subscribe(ctx, f.Collection, decodeQuery(f.Query))
	if err != nil {
		c.reply(frame{Type: frameResult, ID: f.ID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.subs[f.Sub] = sub
	c.mu.Unlock()
	c.reply(frame{Type: frameResult, ID: f.ID, Sub: f.Sub})

	collection := f.Collection
	subID := f.Sub
	go func() {
		for snap := range sub.Snapshots() {
			c.reply(frame{
				Type:       frameSnapshot,
				Sub:        subID,
				Collection: collection,
				Docs:       encodeDocs(snap.Docs),
			})
		}
	}()
}

// reply queues a frame; a full buffer drops the frame rather than blocking
// feed fan-out, and a closed connection swallows it.
func (c *conn) reply(f frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.logger.Warn("send buffer full, dropping frame", "type", f.Type)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleObject serves object storage: PUT streams an upload into the
// backend and returns its durable URL, GET fetches stored bytes.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/objects/")
	if key == "" {
		http.Error(w, "missing object key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if r.ContentLength < 0 {
			http.Error(w, "length required", http.StatusLengthRequired)
			return
		}
		url, err := s.backend.UploadObject(r.Context(), key, r.Body, r.ContentLength, nil)
		if err != nil {
			s.logger.Warn("object upload failed", "key", key, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"url": url})

	case http.MethodGet:
		data, found, err := s.backend.GetObject(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Write(data)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
