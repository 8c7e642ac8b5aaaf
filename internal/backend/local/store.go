package local

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/domain"

	_ "modernc.org/sqlite"
)

// store is the SQLite persistence layer behind the local backend. Documents
// are kept schemaless (one JSON blob per doc) with the server-assigned
// creation clock broken out into a column for ordering and range queries.
type store struct {
	db     *sql.DB
	logger *slog.Logger
}

func openStore(dbPath string, logger *slog.Logger) (*store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create backend directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open backend database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend migration failed: %w", err)
	}
	return s, nil
}

func (s *store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT NOT NULL,
		id          TEXT NOT NULL,
		fields      TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at);

	CREATE TABLE IF NOT EXISTS objects (
		key         TEXT PRIMARY KEY,
		data        BLOB NOT NULL,
		created_at  INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *store) close() error { return s.db.Close() }

// putDoc inserts or updates one document, resolving write sentinels against
// the given server clock. With merge, unnamed existing fields survive and
// Union values are added set-wise to what is already stored.
func (s *store) putDoc(collection, id string, fields domain.Fields, merge bool, now time.Time) error {
	base := domain.Fields{}
	var createdAt int64

	row := s.db.QueryRow(
		`SELECT fields, created_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	var rawFields string
	switch err := row.Scan(&rawFields, &createdAt); err {
	case nil:
		if merge {
			if err := json.Unmarshal([]byte(rawFields), &base); err != nil {
				return fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
			}
		}
	case sql.ErrNoRows:
		createdAt = now.UnixMicro()
	default:
		return err
	}

	for k, v := range fields {
		base[k] = resolveSentinel(base[k], v, now)
	}

	encoded, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("encode document fields: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO documents (collection, id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		collection, id, string(encoded), createdAt, now.UnixMicro(),
	)
	return err
}

// resolveSentinel materializes ServerTimestamp and Union write sentinels
// against the current value. Plain values pass through untouched.
func resolveSentinel(existing, incoming any, now time.Time) any {
	switch v := incoming.(type) {
	case domain.Union:
		return unionStrings(existing, v.Values)
	default:
		if incoming == domain.ServerTimestamp {
			return now
		}
		return incoming
	}
}

func unionStrings(existing any, add []string) []string {
	merged := append([]string(nil), anyStrings(existing)...)
	for _, s := range add {
		found := false
		for _, have := range merged {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, s)
		}
	}
	return merged
}

// anyStrings normalizes the two shapes an array field takes: []string when
// written in-process, []any after a round trip through JSON at rest.
func anyStrings(v any) []string {
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

func (s *store) getDoc(collection, id string) (domain.Doc, bool, error) {
	row := s.db.QueryRow(
		`SELECT fields FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return domain.Doc{}, false, nil
		}
		return domain.Doc{}, false, err
	}
	fields := domain.Fields{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return domain.Doc{}, false, fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}
	return domain.Doc{ID: id, Fields: fields}, true, nil
}

func (s *store) queryDocs(collection string, q domain.Query) ([]domain.Doc, error) {
	sqlq := `SELECT id, fields FROM documents WHERE collection = ?`
	args := []any{collection}

	if !q.CreatedAfter.IsZero() {
		sqlq += ` AND created_at > ?`
		args = append(args, q.CreatedAfter.UnixMicro())
	}
	if q.OrderByCreatedAt {
		if q.Descending {
			sqlq += ` ORDER BY created_at DESC, id DESC`
		} else {
			sqlq += ` ORDER BY created_at ASC, id ASC`
		}
	}
	if q.Limit > 0 {
		sqlq += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields := domain.Fields{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			s.logger.Warn("skipping corrupt document", "collection", collection, "id", id, "err", err)
			continue
		}
		docs = append(docs, domain.Doc{ID: id, Fields: fields})
	}
	return docs, rows.Err()
}

func (s *store) putObject(key string, data []byte, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO objects (key, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data`,
		key, data, now.UnixMicro(),
	)
	return err
}

func (s *store) getObject(key string) ([]byte, bool, error) {
	row := s.db.QueryRow(`SELECT data FROM objects WHERE key = ?`, key)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
