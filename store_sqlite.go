package rentdesk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS http_cache (
			key        TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_id TEXT NOT NULL UNIQUE,
			method      TEXT NOT NULL CHECK (method IN ('POST', 'PUT', 'PATCH', 'DELETE')),
			path        TEXT NOT NULL,
			base_url    TEXT NOT NULL,
			headers     TEXT NOT NULL DEFAULT '{}',
			params      TEXT NOT NULL DEFAULT '{}',
			body        BLOB,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			retries     INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT,
			status      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue (status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue (created_at)`,
	},
}

const actionColumns = `id, mutation_id, method, path, base_url, headers, params, body,
	created_at, updated_at, retries, last_error, status`

// SQLiteStore is the durable Store, one SQLite file per origin.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database file at path and
// brings its schema up to date. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already opened database and applies migrations.
func NewSQLiteStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("store: migration %d: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: set schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, "PRAGMA user_version")
	return version, err
}

// ── HTTP cache ───────────────────────────────────────────

type blobRow struct {
	Payload   []byte `db:"payload"`
	UpdatedAt int64  `db:"updated_at"`
}

func (s *SQLiteStore) GetCachedResponse(ctx context.Context, key string) (*CacheEntry, error) {
	var row blobRow
	err := s.db.GetContext(ctx, &row, `SELECT payload, updated_at FROM http_cache WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cached response: %w", err)
	}
	return &CacheEntry{Key: key, Payload: row.Payload, UpdatedAt: time.UnixMilli(row.UpdatedAt)}, nil
}

func (s *SQLiteStore) PutCachedResponse(ctx context.Context, key string, payload []byte) error {
	const q = `
INSERT INTO http_cache (key, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, payload, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: put cached response: %w", err)
	}
	return nil
}

// ── Entities ─────────────────────────────────────────────

func (s *SQLiteStore) GetEntity(ctx context.Context, kind, id string) (*EntityEntry, error) {
	var row blobRow
	err := s.db.GetContext(ctx, &row, `SELECT payload, updated_at FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entity: %w", err)
	}
	return &EntityEntry{Kind: kind, ID: id, Payload: row.Payload, UpdatedAt: time.UnixMilli(row.UpdatedAt)}, nil
}

func (s *SQLiteStore) PutEntity(ctx context.Context, kind, id string, payload []byte) error {
	const q = `
INSERT INTO entities (kind, id, payload, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, kind, id, payload, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: put entity: %w", err)
	}
	return nil
}

// ── Sync queue ───────────────────────────────────────────

type actionRow struct {
	ID         int64          `db:"id"`
	MutationID string         `db:"mutation_id"`
	Method     string         `db:"method"`
	Path       string         `db:"path"`
	BaseURL    string         `db:"base_url"`
	Headers    string         `db:"headers"`
	Params     string         `db:"params"`
	Body       []byte         `db:"body"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
	Retries    int            `db:"retries"`
	LastError  sql.NullString `db:"last_error"`
	Status     string         `db:"status"`
}

func (r *actionRow) action() (*SyncAction, error) {
	a := &SyncAction{
		ID:         r.ID,
		MutationID: r.MutationID,
		Method:     r.Method,
		Path:       r.Path,
		BaseURL:    r.BaseURL,
		Body:       r.Body,
		CreatedAt:  time.UnixMilli(r.CreatedAt),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt),
		Retries:    r.Retries,
		Status:     SyncStatus(r.Status),
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		a.LastError = &msg
	}
	var header map[string][]string
	if err := json.Unmarshal([]byte(r.Headers), &header); err != nil {
		return nil, fmt.Errorf("store: decode headers of action %d: %w", r.ID, err)
	}
	if len(header) > 0 {
		a.Header = http.Header(header)
	}
	var params map[string][]string
	if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
		return nil, fmt.Errorf("store: decode params of action %d: %w", r.ID, err)
	}
	if len(params) > 0 {
		a.Query = url.Values(params)
	}
	return a, nil
}

func encodeMulti(m map[string][]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) EnqueueMutation(ctx context.Context, in MutationInput) (*SyncAction, error) {
	headers, err := encodeMulti(in.Header)
	if err != nil {
		return nil, fmt.Errorf("store: encode headers: %w", err)
	}
	params, err := encodeMulti(in.Query)
	if err != nil {
		return nil, fmt.Errorf("store: encode params: %w", err)
	}

	now := s.now()
	a := &SyncAction{
		MutationID: newMutationID(),
		Method:     in.Method,
		Path:       in.Path,
		BaseURL:    in.BaseURL,
		Header:     cloneHeader(in.Header),
		Query:      cloneValues(in.Query),
		Body:       in.Body,
		CreatedAt:  time.UnixMilli(now.UnixMilli()),
		UpdatedAt:  time.UnixMilli(now.UnixMilli()),
		Status:     StatusPending,
	}

	var body any
	if len(in.Body) > 0 {
		body = []byte(in.Body)
	}

	const q = `
INSERT INTO sync_queue (mutation_id, method, path, base_url, headers, params, body, created_at, updated_at, retries, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	res, err := s.db.ExecContext(ctx, q, a.MutationID, a.Method, a.Path, a.BaseURL, headers, params, body,
		now.UnixMilli(), now.UnixMilli(), string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("store: enqueue mutation: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("store: read queue id: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListPendingMutations(ctx context.Context, limit int) ([]*SyncAction, error) {
	statuses := make([]string, len(eligibleStatuses))
	for i, st := range eligibleStatuses {
		statuses[i] = string(st)
	}
	q, args, err := sqlx.In(`SELECT `+actionColumns+` FROM sync_queue
WHERE status IN (?) ORDER BY created_at ASC, id ASC LIMIT ?`, statuses, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("store: build pending query: %w", err)
	}
	return s.selectActions(ctx, s.db.Rebind(q), args...)
}

func (s *SQLiteStore) ListMutations(ctx context.Context, statuses ...SyncStatus) ([]*SyncAction, error) {
	if len(statuses) == 0 {
		return s.selectActions(ctx, `SELECT `+actionColumns+` FROM sync_queue ORDER BY created_at ASC, id ASC`)
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	q, args, err := sqlx.In(`SELECT `+actionColumns+` FROM sync_queue
WHERE status IN (?) ORDER BY created_at ASC, id ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("store: build list query: %w", err)
	}
	return s.selectActions(ctx, s.db.Rebind(q), args...)
}

func (s *SQLiteStore) selectActions(ctx context.Context, q string, args ...any) ([]*SyncAction, error) {
	var rows []actionRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("store: list mutations: %w", err)
	}
	out := make([]*SyncAction, 0, len(rows))
	for i := range rows {
		a, err := rows[i].action()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteStore) GetMutation(ctx context.Context, id int64) (*SyncAction, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+actionColumns+` FROM sync_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mutation: %w", err)
	}
	return row.action()
}

func (s *SQLiteStore) UpdateMutation(ctx context.Context, id int64, patch MutationPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UnixMilli()}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Retries != nil {
		sets = append(sets, "retries = ?")
		args = append(args, *patch.Retries)
	}
	switch {
	case patch.LastError != nil:
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	case patch.ClearError:
		sets = append(sets, "last_error = NULL")
	}
	args = append(args, id)

	q := "UPDATE sync_queue SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store: update mutation %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMutation(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: remove mutation %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CountPendingMutations(ctx context.Context) (int, error) {
	statuses := make([]string, len(eligibleStatuses))
	for i, st := range eligibleStatuses {
		statuses[i] = string(st)
	}
	q, args, err := sqlx.In(`SELECT COUNT(*) FROM sync_queue WHERE status IN (?)`, statuses)
	if err != nil {
		return 0, fmt.Errorf("store: build count query: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), args...); err != nil {
		return 0, fmt.Errorf("store: count pending mutations: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
