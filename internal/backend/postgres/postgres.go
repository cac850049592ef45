// Package postgres implements backend.Backend over PostgreSQL: documents
// live in a JSONB column, change capture rides a trigger + change_queue
// table drained via LISTEN/NOTIFY with a safety poll, and the optional
// distributed rate-limit/connection primitives are backed by dedicated
// tables so multiple server processes share one view (spec §4.1).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sony/gobreaker"

	sq "github.com/Masterminds/squirrel"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/sqrlerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// changeQueueRetentionRows and changeQueueRetentionAge bound change_queue:
// cleanup keeps whichever of the two is more permissive (spec §4.1).
const (
	changeQueueRetentionRows = 100_000
	changeQueueRetentionAge  = 24 * time.Hour
)

// Backend is the PostgreSQL-backed backend.Backend implementation.
type Backend struct {
	db      dbresolver.DB
	rawDB   *sql.DB // primary, used for LISTEN/NOTIFY and migrations
	breaker *gobreaker.CircuitBreaker[any]
	log     logger.Logger

	mu        sync.Mutex
	listeners []chan backend.Change
	lastSeen  int64
}

var _ backend.Backend = (*Backend)(nil)

// Config carries the connection parameters from internal/config.
type Config struct {
	PrimaryURL string
	ReplicaURL string // empty falls back to PrimaryURL
	MaxConns   int
}

// New opens the primary (and, if configured, replica) connections and
// wraps them in a dbresolver.DB, mirroring the teacher's
// common/mpostgres connection hub.
func New(cfg Config, log logger.Logger) (*Backend, error) {
	primary, err := sql.Open("pgx", cfg.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening primary: %w", err)
	}

	if cfg.MaxConns > 0 {
		primary.SetMaxOpenConns(cfg.MaxConns)
	}

	replicaURL := cfg.ReplicaURL
	if replicaURL == "" {
		replicaURL = cfg.PrimaryURL
	}

	replica, err := sql.Open("pgx", replicaURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening replica: %w", err)
	}

	resolved := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "postgres-backend",
		MaxRequests: 5,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Backend{db: resolved, rawDB: primary, breaker: breaker, log: log}, nil
}

// InitSchema runs the embedded migrations, idempotently creating tables,
// indices, triggers and helper functions (spec §4.1).
func (b *Backend) InitSchema(ctx context.Context) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: loading migration source: %w", err)
	}

	driver, err := pgmigrate.WithInstance(b.rawDB, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres: building migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: building migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}

	return nil
}

func (b *Backend) run(ctx context.Context, fn func() (any, error)) (any, error) {
	return b.breaker.Execute(fn)
}

func pgError(err error, notFoundMsg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return sqrlerr.Wrap(sqrlerr.Internal, "postgres error", pgErr)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return sqrlerr.New(sqrlerr.NotFound, notFoundMsg)
	}

	return err
}

func (b *Backend) Insert(ctx context.Context, project uuid.UUID, collection string, data map[string]any) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	id := uuid.New()
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document data", err)
	}

	v, err := b.run(ctx, func() (any, error) {
		row := b.db.QueryRowContext(ctx,
			`INSERT INTO documents (id, project_id, collection, data) VALUES ($1, $2, $3, $4)
			 RETURNING id, project_id, collection, data, created_at, updated_at`,
			id, project, collection, payload)

		return scanDocument(row)
	})
	if err != nil {
		return nil, pgError(err, "document not found")
	}

	return v.(*backend.Document), nil
}

func (b *Backend) Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	v, err := b.run(ctx, func() (any, error) {
		row := b.db.QueryRowContext(ctx,
			`SELECT id, project_id, collection, data, created_at, updated_at FROM documents
			 WHERE project_id = $1 AND collection = $2 AND id = $3`,
			project, collection, id)

		return scanDocument(row)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, pgError(err, "document not found")
	}

	return v.(*backend.Document), nil
}

func (b *Backend) Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data map[string]any) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document data", err)
	}

	v, err := b.run(ctx, func() (any, error) {
		row := b.db.QueryRowContext(ctx,
			`UPDATE documents SET data = $1, updated_at = now()
			 WHERE project_id = $2 AND collection = $3 AND id = $4
			 RETURNING id, project_id, collection, data, created_at, updated_at`,
			payload, project, collection, id)

		return scanDocument(row)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, pgError(err, "document not found")
	}

	return v.(*backend.Document), nil
}

func (b *Backend) Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	v, err := b.run(ctx, func() (any, error) {
		row := b.db.QueryRowContext(ctx,
			`DELETE FROM documents WHERE project_id = $1 AND collection = $2 AND id = $3
			 RETURNING id, project_id, collection, data, created_at, updated_at`,
			project, collection, id)

		return scanDocument(row)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, pgError(err, "document not found")
	}

	return v.(*backend.Document), nil
}

func (b *Backend) List(ctx context.Context, project uuid.UUID, collection string, filter *backend.CompiledSQL, order *backend.OrderBy, limit, offset *int64) ([]*backend.Document, error) {
	if !backend.ValidIdentifier(collection) {
		return nil, sqrlerr.New(sqrlerr.BadRequest, "invalid collection name")
	}

	qb := sq.Select("id", "project_id", "collection", "data", "created_at", "updated_at").
		From("documents").
		Where(sq.Eq{"project_id": project, "collection": collection}).
		PlaceholderFormat(sq.Dollar)

	if filter != nil {
		qb = qb.Where(filter.Where, filter.Args...)
	}

	if order != nil && backend.ValidIdentifier(order.Field) {
		dir := "ASC"
		if order.Direction == backend.Desc {
			dir = "DESC"
		}

		qb = qb.OrderBy(fmt.Sprintf("data->>'%s' %s", order.Field, dir))
	} else {
		qb = qb.OrderBy("created_at ASC")
	}

	if limit != nil {
		qb = qb.Limit(uint64(*limit))
	}

	if offset != nil {
		qb = qb.Offset(uint64(*offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: building list query: %w", err)
	}

	v, err := b.run(ctx, func() (any, error) {
		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var docs []*backend.Document

		for rows.Next() {
			doc, err := scanDocumentRows(rows)
			if err != nil {
				return nil, err
			}

			docs = append(docs, doc)
		}

		return docs, rows.Err()
	})
	if err != nil {
		return nil, pgError(err, "")
	}

	return v.([]*backend.Document), nil
}

func (b *Backend) ListCollections(ctx context.Context, project uuid.UUID) ([]string, error) {
	v, err := b.run(ctx, func() (any, error) {
		rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT collection FROM documents WHERE project_id = $1 ORDER BY collection`, project)
		if err != nil {
			return nil, err
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
	})
	if err != nil {
		return nil, pgError(err, "")
	}

	return v.([]string), nil
}

func (b *Backend) ListProjects(ctx context.Context) ([]uuid.UUID, error) {
	v, err := b.run(ctx, func() (any, error) {
		rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM documents ORDER BY project_id`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []uuid.UUID

		for rows.Next() {
			var p uuid.UUID
			if err := rows.Scan(&p); err != nil {
				return nil, err
			}

			out = append(out, p)
		}

		return out, rows.Err()
	})
	if err != nil {
		return nil, pgError(err, "")
	}

	return v.([]uuid.UUID), nil
}

func (b *Backend) AddSubscriptionFilter(ctx context.Context, f backend.SubscriptionFilter) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO subscription_filters (client_id, subscription_id, collection, compiled_sql)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (client_id, subscription_id) DO UPDATE SET collection = $3, compiled_sql = $4`,
		f.ClientID, f.SubscriptionID, f.Collection, f.CompiledSQL)

	return err
}

func (b *Backend) RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM subscription_filters WHERE client_id = $1 AND subscription_id = $2`, clientID, subscriptionID)
	return err
}

func (b *Backend) RemoveClientFilters(ctx context.Context, clientID uuid.UUID) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM subscription_filters WHERE client_id = $1`, clientID)
	return err
}

func (b *Backend) ValidateToken(ctx context.Context, tokenHash string) (bool, *uuid.UUID, error) {
	var id uuid.UUID

	err := b.db.QueryRowContext(ctx, `SELECT id FROM api_tokens WHERE token_hash = $1`, tokenHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}

	if err != nil {
		return false, nil, err
	}

	return true, &id, nil
}

// RateLimitCheck performs the token-bucket refill-then-consume arithmetic
// inside a single UPSERT so concurrent callers across processes observe a
// consistent bucket (spec §4.1, §4.4).
func (b *Backend) RateLimitCheck(ctx context.Context, ip string, rate float64, capacity int) (bool, error) {
	var allowed bool

	err := b.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_buckets (ip, tokens, last_refill) VALUES ($1, $2 - 1, now())
		ON CONFLICT (ip) DO UPDATE SET
			tokens = LEAST($2::DOUBLE PRECISION,
				rate_limit_buckets.tokens + EXTRACT(EPOCH FROM (now() - rate_limit_buckets.last_refill)) * $3) - 1,
			last_refill = now()
		RETURNING (tokens >= 0)
	`, ip, float64(capacity), rate).Scan(&allowed)
	if err != nil {
		return false, err
	}

	return allowed, nil
}

func (b *Backend) ConnectionAcquire(ctx context.Context, ip string, max int) (bool, error) {
	var count int

	err := b.db.QueryRowContext(ctx, `
		INSERT INTO connection_counts (ip, count) VALUES ($1, 1)
		ON CONFLICT (ip) DO UPDATE SET count = connection_counts.count + 1
		RETURNING count
	`, ip).Scan(&count)
	if err != nil {
		return false, err
	}

	if max > 0 && count > max {
		_, _ = b.db.ExecContext(ctx, `UPDATE connection_counts SET count = count - 1 WHERE ip = $1`, ip)
		return false, nil
	}

	return true, nil
}

func (b *Backend) ConnectionRelease(ctx context.Context, ip string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE connection_counts SET count = GREATEST(count - 1, 0) WHERE ip = $1`, ip)
	return err
}

// SubscribeChanges registers a new lossy receiver; publish, driven by the
// loop StartChangeListener starts, is the only producer.
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

func (b *Backend) publish(c backend.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.listeners {
		select {
		case ch <- c:
		default:
			// slow consumer: drop rather than block the listener goroutine
			// (spec §4.1: "lossy on slow consumer").
		}
	}
}

// StartChangeListener acquires a dedicated pgx connection for LISTEN and
// runs the notify-driven + 5-second safety-poll loop until ctx is done
// (spec §4.1).
func (b *Backend) StartChangeListener(ctx context.Context) error {
	conn, err := stdlib.AcquireConn(b.rawDB)
	if err != nil {
		return fmt.Errorf("postgres: acquiring listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN doc_changes"); err != nil {
		stdlib.ReleaseConn(b.rawDB, conn)
		return fmt.Errorf("postgres: LISTEN doc_changes: %w", err)
	}

	go func() {
		defer stdlib.ReleaseConn(b.rawDB, conn)

		for {
			notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := conn.WaitForNotification(notifyCtx)
			cancel()

			if ctx.Err() != nil {
				return
			}

			if err != nil && ctx.Err() == nil {
				// timeout is the safety-poll tick; any other error just
				// falls through to the same poll below.
			}

			if err := b.pollChanges(ctx); err != nil {
				b.log.Warnf("postgres: polling change_queue: %v", err)
			}
		}
	}()

	go b.runCleanupLoop(ctx)

	return nil
}

func (b *Backend) pollChanges(ctx context.Context) error {
	b.mu.Lock()
	lastSeen := b.lastSeen
	b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, project_id, collection, document_id, operation, old_data, new_data, delta, changed_at
		FROM change_queue WHERE id > $1 ORDER BY id ASC`, lastSeen)
	if err != nil {
		return err
	}
	defer rows.Close()

	var maxID int64

	for rows.Next() {
		var c backend.Change
		var old, new_, delta []byte

		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Collection, &c.DocumentID, &c.Operation, &old, &new_, &delta, &c.ChangedAt); err != nil {
			return err
		}

		if len(old) > 0 {
			_ = json.Unmarshal(old, &c.OldData)
		}

		if len(new_) > 0 {
			_ = json.Unmarshal(new_, &c.NewData)
		}

		if len(delta) > 0 {
			_ = json.Unmarshal(delta, &c.Delta)
		}

		b.publish(c)

		if c.ID > maxID {
			maxID = c.ID
		}
	}

	if maxID > 0 {
		b.mu.Lock()
		b.lastSeen = maxID
		b.mu.Unlock()
	}

	return rows.Err()
}

// runCleanupLoop periodically trims change_queue, keeping whichever of the
// row-count and age retention windows is more permissive.
func (b *Backend) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.db.ExecContext(ctx, `
				DELETE FROM change_queue WHERE id NOT IN (
					SELECT id FROM change_queue ORDER BY id DESC LIMIT $1
				) AND changed_at < $2
			`, changeQueueRetentionRows, time.Now().Add(-changeQueueRetentionAge)); err != nil {
				b.log.Warnf("postgres: change_queue cleanup: %v", err)
			}
		}
	}
}

func (b *Backend) Close() error {
	return b.rawDB.Close()
}

func scanDocument(row *sql.Row) (any, error) {
	var doc backend.Document
	var payload []byte

	if err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Collection, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &doc.Data); err != nil {
		return nil, err
	}

	return &doc, nil
}

func scanDocumentRows(rows *sql.Rows) (*backend.Document, error) {
	var doc backend.Document
	var payload []byte

	if err := rows.Scan(&doc.ID, &doc.ProjectID, &doc.Collection, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &doc.Data); err != nil {
		return nil, err
	}

	return &doc, nil
}
