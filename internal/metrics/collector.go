// Package metrics is a small Prometheus-exposition collector for the sync
// client. It renders text/plain output without pulling in client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics registry.
var Collector = NewCollector()

type CollectorSet struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	gauges    map[string]*Gauge
	startTime time.Time
}

func NewCollector() *CollectorSet {
	return &CollectorSet{
		counters:  make(map[string]*Counter),
		gauges:    make(map[string]*Gauge),
		startTime: time.Now(),
	}
}

// Counter is a monotonically increasing value.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that moves both ways.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (c *CollectorSet) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help}
	c.counters[name] = ctr
	return ctr
}

func (c *CollectorSet) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	c.gauges[name] = g
	return g
}

// Handler renders the registry in Prometheus text format.
func (c *CollectorSet) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Render produces the exposition text, sorted by metric name for stable
// output.
func (c *CollectorSet) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP chatsync_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE chatsync_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chatsync_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctr := c.counters[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
		fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
		fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
	}

	names = names[:0]
	for name := range c.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := c.gauges[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
	}
	return sb.String()
}

// Metrics shared across the client.
var (
	SnapshotsTotal   = Collector.Counter("chatsync_snapshots_total", "Feed snapshots reconciled")
	DeliveredWrites  = Collector.Counter("chatsync_delivered_writes_total", "deliveredTo receipt writes issued")
	SeenWrites       = Collector.Counter("chatsync_seen_writes_total", "seenBy receipt writes issued")
	ReceiptFailures  = Collector.Counter("chatsync_receipt_failures_total", "Receipt writes that failed and were left for the next cycle")
	ReadMarkerWrites = Collector.Counter("chatsync_read_marker_writes_total", "Room read marker upserts")
	TypingEdges      = Collector.Counter("chatsync_typing_edges_total", "Typing state transitions published")
	UploadsTotal     = Collector.Counter("chatsync_uploads_total", "Attachment uploads attempted")
	UploadRejects    = Collector.Counter("chatsync_upload_rejects_total", "Attachments rejected before any network activity")
	UploadBytes      = Collector.Counter("chatsync_upload_bytes_total", "Attachment bytes uploaded")
	OpenSessions     = Collector.Gauge("chatsync_open_sessions", "Room sessions currently attached")
)
