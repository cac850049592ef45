// Package sqlite implements backend.Backend over SQLite: a single-writer
// connection serialized behind a mutex (SQLite's WAL mode tolerates
// concurrent readers but only one writer at a time), with change capture
// delivered from the same write path that produced it rather than a
// second round-trip through the database (spec §4.1, §6 — see
// DESIGN.md for why this stands in for "the in-process trigger hook").
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/sqrlerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_project_collection_idx ON documents (project_id, collection);

CREATE TABLE IF NOT EXISTS subscription_filters (
	client_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	compiled_sql TEXT,
	PRIMARY KEY (client_id, subscription_id)
);

CREATE TABLE IF NOT EXISTS api_tokens (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	ip TEXT PRIMARY KEY,
	tokens REAL NOT NULL,
	last_refill DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_counts (
	ip TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0
);
`

var driverOnce sync.Once

// registerDriver registers a sqlite3 driver variant whose ConnectHook pins
// WAL mode and a busy timeout on every connection opened against it —
// SQLite's single-writer discipline applied at the driver layer rather
// than left to chance.
func registerDriver() {
	driverOnce.Do(func() {
		sql.Register("sqlite3_squirreldb", &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if _, err := conn.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;", nil); err != nil {
					return err
				}

				return nil
			},
		})
	})
}

// Backend is the SQLite-backed backend.Backend implementation. writeMu
// serializes every statement that mutates the database. New caps the pool
// at one connection, so reads (List, Get, ListCollections) also run one at
// a time on that connection.
type Backend struct {
	db *sql.DB

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners []chan backend.Change
	nextID    int64
}

var _ backend.Backend = (*Backend)(nil)

// New opens path (or an in-memory database for ":memory:") as a
// single-connection pool, matching SQLite's single-writer model.
func New(path string) (*Backend, error) {
	registerDriver()

	db, err := sql.Open("sqlite3_squirreldb", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	return &Backend{db: db}, nil
}

func (b *Backend) InitSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *Backend) Insert(ctx context.Context, project uuid.UUID, collection string, data map[string]any) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document data", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	now := time.Now().UTC()
	doc := &backend.Document{ID: uuid.New(), ProjectID: project, Collection: collection, Data: data, CreatedAt: now, UpdatedAt: now}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO documents (id, project_id, collection, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.ProjectID.String(), doc.Collection, string(payload), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert: %w", err)
	}

	b.publish(backend.Change{
		ID: b.allocChangeID(), ProjectID: project, Collection: collection, DocumentID: doc.ID,
		Operation: backend.OpInsert, NewData: data, ChangedAt: now,
	})

	return doc, nil
}

func (b *Backend) Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	row := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, collection, data, created_at, updated_at FROM documents WHERE project_id = ? AND collection = ? AND id = ?`,
		project.String(), collection, id.String())

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite: get: %w", err)
	}

	return doc, nil
}

func (b *Backend) Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data map[string]any) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document data", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	existing, err := b.Get(ctx, project, collection, id)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, nil
	}

	now := time.Now().UTC()

	if _, err := b.db.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE project_id = ? AND collection = ? AND id = ?`,
		string(payload), now, project.String(), collection, id.String()); err != nil {
		return nil, fmt.Errorf("sqlite: update: %w", err)
	}

	updated := &backend.Document{ID: id, ProjectID: project, Collection: collection, Data: data, CreatedAt: existing.CreatedAt, UpdatedAt: now}

	b.publish(backend.Change{
		ID: b.allocChangeID(), ProjectID: project, Collection: collection, DocumentID: id,
		Operation: backend.OpUpdate, OldData: existing.Data, NewData: data,
		Delta: topLevelDelta(existing.Data, data), ChangedAt: now,
	})

	return updated, nil
}

func (b *Backend) Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	existing, err := b.Get(ctx, project, collection, id)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, nil
	}

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM documents WHERE project_id = ? AND collection = ? AND id = ?`,
		project.String(), collection, id.String()); err != nil {
		return nil, fmt.Errorf("sqlite: delete: %w", err)
	}

	b.publish(backend.Change{
		ID: b.allocChangeID(), ProjectID: project, Collection: collection, DocumentID: id,
		Operation: backend.OpDelete, OldData: existing.Data, ChangedAt: time.Now().UTC(),
	})

	return existing, nil
}

func (b *Backend) List(ctx context.Context, project uuid.UUID, collection string, filter *backend.CompiledSQL, order *backend.OrderBy, limit, offset *int64) ([]*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	query := `SELECT id, project_id, collection, data, created_at, updated_at FROM documents WHERE project_id = ? AND collection = ?`
	args := []any{project.String(), collection}

	if filter != nil {
		query += " AND (" + filter.Where + ")"
		args = append(args, filter.Args...)
	}

	if order != nil && backend.ValidIdentifier(order.Field) {
		dir := "ASC"
		if order.Direction == backend.Desc {
			dir = "DESC"
		}

		query += fmt.Sprintf(" ORDER BY json_extract(data,'$.%s') %s", order.Field, dir)
	} else {
		query += " ORDER BY created_at ASC"
	}

	if limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *limit)

		if offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *offset)
		}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var docs []*backend.Document

	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning row: %w", err)
		}

		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

func (b *Backend) ListCollections(ctx context.Context, project uuid.UUID) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT collection FROM documents WHERE project_id = ? ORDER BY collection`, project.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list_collections: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

func (b *Backend) ListProjects(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM documents ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list_projects: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID

	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

func (b *Backend) AddSubscriptionFilter(ctx context.Context, f backend.SubscriptionFilter) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO subscription_filters (client_id, subscription_id, collection, compiled_sql) VALUES (?, ?, ?, ?)
		 ON CONFLICT (client_id, subscription_id) DO UPDATE SET collection = excluded.collection, compiled_sql = excluded.compiled_sql`,
		f.ClientID.String(), f.SubscriptionID, f.Collection, f.CompiledSQL)

	return err
}

func (b *Backend) RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM subscription_filters WHERE client_id = ? AND subscription_id = ?`, clientID.String(), subscriptionID)
	return err
}

func (b *Backend) RemoveClientFilters(ctx context.Context, clientID uuid.UUID) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM subscription_filters WHERE client_id = ?`, clientID.String())
	return err
}

func (b *Backend) ValidateToken(ctx context.Context, tokenHash string) (bool, *uuid.UUID, error) {
	var idStr string

	err := b.db.QueryRowContext(ctx, `SELECT id FROM api_tokens WHERE token_hash = ?`, tokenHash).Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}

	if err != nil {
		return false, nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return false, nil, err
	}

	return true, &id, nil
}

// RateLimitCheck and the Connection* primitives are not multi-process
// meaningful for an embedded single-writer database — SQLite deployments
// are inherently single-process, so the in-process ratelimit package is
// always the right limiter here (spec §4.4: "delegation... for
// multi-process deployments").
func (b *Backend) RateLimitCheck(ctx context.Context, ip string, rate float64, capacity int) (bool, error) {
	return false, backend.ErrNotSupported
}

func (b *Backend) ConnectionAcquire(ctx context.Context, ip string, max int) (bool, error) {
	return false, backend.ErrNotSupported
}

func (b *Backend) ConnectionRelease(ctx context.Context, ip string) error {
	return backend.ErrNotSupported
}

func (b *Backend) SubscribeChanges() (<-chan backend.Change, func()) {
	ch := make(chan backend.Change, 256)

	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, l := range b.listeners {
			if l == ch {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				close(ch)

				return
			}
		}
	}

	return ch, cancel
}

// StartChangeListener is a no-op for SQLite: Insert/Update/Delete publish
// directly on the same goroutine that performed the write, so there is no
// separate delivery loop to start.
func (b *Backend) StartChangeListener(ctx context.Context) error {
	return nil
}

func (b *Backend) publish(c backend.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

func (b *Backend) allocChangeID() int64 {
	b.nextID++
	return b.nextID
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func topLevelDelta(oldData, newData map[string]any) map[string]any {
	delta := make(map[string]any)

	seen := make(map[string]struct{}, len(oldData)+len(newData))
	for k := range oldData {
		seen[k] = struct{}{}
	}

	for k := range newData {
		seen[k] = struct{}{}
	}

	for k := range seen {
		ov, oOk := oldData[k]
		nv, nOk := newData[k]

		if oOk != nOk || !jsonEqual(ov, nv) {
			delta[k] = nv
		}
	}

	return delta
}

func jsonEqual(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)

	if aerr != nil || berr != nil {
		return false
	}

	return string(aj) == string(bj)
}

func scanDocument(row *sql.Row) (*backend.Document, error) {
	var idStr, projectStr, payload string
	doc := &backend.Document{}

	if err := row.Scan(&idStr, &projectStr, &doc.Collection, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}

	return finishScan(doc, idStr, projectStr, payload)
}

func scanDocumentRows(rows *sql.Rows) (*backend.Document, error) {
	var idStr, projectStr, payload string
	doc := &backend.Document{}

	if err := rows.Scan(&idStr, &projectStr, &doc.Collection, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}

	return finishScan(doc, idStr, projectStr, payload)
}

func finishScan(doc *backend.Document, idStr, projectStr, payload string) (*backend.Document, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}

	project, err := uuid.Parse(projectStr)
	if err != nil {
		return nil, err
	}

	doc.ID = id
	doc.ProjectID = project

	if err := json.Unmarshal([]byte(payload), &doc.Data); err != nil {
		return nil, err
	}

	return doc, nil
}
