// Package ws speaks the document backend API over a WebSocket connection:
// full-snapshot push feeds plus request/response frames for reads and
// writes. Object uploads ride plain HTTP on the same listener.
package ws

import (
	"time"

	"chatsync/internal/domain"
)

// Frame types. Client to server: subscribe, unsubscribe, fetch, fetchdoc,
// upsert, append. Server to client: snapshot, result.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameFetch       = "fetch"
	frameFetchDoc    = "fetchdoc"
	frameUpsert      = "upsert"
	frameAppend      = "append"
	frameSnapshot    = "snapshot"
	frameResult      = "result"
)

// Sentinel field keys on the wire.
const (
	wireServerTimestamp = "$serverTimestamp"
	wireArrayUnion      = "$arrayUnion"
)

type frame struct {
	Type       string         `json:"type"`
	ID         int64          `json:"id,omitempty"`  // request id, echoed in result
	Sub        int64          `json:"sub,omitempty"` // subscription id
	Collection string         `json:"collection,omitempty"`
	Path       string         `json:"path,omitempty"`
	Query      *wireQuery     `json:"query,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Merge      bool           `json:"merge,omitempty"`
	Docs       []wireDoc      `json:"docs,omitempty"`
	Doc        *wireDoc       `json:"doc,omitempty"`
	Found      bool           `json:"found,omitempty"`
	DocID      string         `json:"docId,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type wireQuery struct {
	OrderByCreatedAt bool   `json:"orderByCreatedAt,omitempty"`
	Descending       bool   `json:"descending,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	CreatedAfter     string `json:"createdAfter,omitempty"` // RFC 3339
}

type wireDoc struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func encodeQuery(q domain.Query) *wireQuery {
	wq := &wireQuery{
		OrderByCreatedAt: q.OrderByCreatedAt,
		Descending:       q.Descending,
		Limit:            q.Limit,
	}
	if !q.CreatedAfter.IsZero() {
		wq.CreatedAfter = q.CreatedAfter.Format(time.RFC3339Nano)
	}
	return wq
}

func decodeQuery(wq *wireQuery) domain.Query {
	if wq == nil {
		return domain.Query{}
	}
	q := domain.Query{
		OrderByCreatedAt: wq.OrderByCreatedAt,
		Descending:       wq.Descending,
		Limit:            wq.Limit,
	}
	if wq.CreatedAfter != "" {
		if t, err := time.Parse(time.RFC3339Nano, wq.CreatedAfter); err == nil {
			q.CreatedAfter = t
		}
	}
	return q
}

// encodeFields rewrites write sentinels into their wire form. Times encode
// as RFC 3339 strings via encoding/json's native time handling.
func encodeFields(fields domain.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch sv := v.(type) {
		case domain.Union:
			out[k] = map[string]any{wireArrayUnion: sv.Values}
		default:
			if v == domain.ServerTimestamp {
				out[k] = map[string]any{wireServerTimestamp: true}
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// decodeFields restores write sentinels from their wire form.
func decodeFields(fields map[string]any) domain.Fields {
	out := make(domain.Fields, len(fields))
	for k, v := range fields {
		m, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		if _, ok := m[wireServerTimestamp]; ok {
			out[k] = domain.ServerTimestamp
			continue
		}
		if vals, ok := m[wireArrayUnion]; ok {
			out[k] = domain.ArrayUnion(anyStringSlice(vals)...)
			continue
		}
		out[k] = v
	}
	return out
}

func encodeDocs(docs []domain.Doc) []wireDoc {
	out := make([]wireDoc, len(docs))
	for i, d := range docs {
		out[i] = wireDoc{ID: d.ID, Fields: d.Fields}
	}
	return out
}

func decodeDocs(docs []wireDoc) []domain.Doc {
	out := make([]domain.Doc, len(docs))
	for i, d := range docs {
		out[i] = domain.Doc{ID: d.ID, Fields: domain.Fields(d.Fields)}
	}
	return out
}

func anyStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
