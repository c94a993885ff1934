// Package postgres is a data provider over PostgreSQL. Each collection is a
// table of JSONB documents keyed by id:
//
//	id text primary key, data jsonb not null, updated_at timestamptz not null
//
// Equality filters are evaluated with JSONB containment.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// PostgreSQL error codes mapped to SyncError kinds.
const (
	codeInsufficientPrivilege = "42501"
	codeUndefinedTable        = "42P01"
)

// Options configures a Provider.
type Options struct {
	// DB is used when set and is not closed on End. Otherwise a pool is
	// opened from DSN, falling back to the DATABASE_URL environment key.
	DB  *sql.DB
	DSN string

	// Collections are created on initialize when missing.
	Collections []string

	Registry *registry.Registry
	Logger   *logger.Logger
	Metrics  metrics.Recorder
}

// Provider stores records in PostgreSQL.
type Provider struct {
	*lifecycle.Observable

	opts    Options
	log     *logger.Logger
	metrics metrics.Recorder

	mu    sync.RWMutex
	db    *sql.DB
	owned bool
}

var _ data.Provider = (*Provider)(nil)

// New creates a provider. The connection is opened on Initialize.
func New(opts Options) *Provider {
	p := &Provider{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger, "postgres-provider"),
		metrics: metrics.OrNoOp(opts.Metrics),
	}
	p.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "postgres-provider",
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Registry: opts.Registry,
		Hooks: lifecycle.Hooks{
			OnInitialize: p.onInitialize,
			OnEnd:        p.onEnd,
		},
	})
	return p
}

func (p *Provider) onInitialize(ctx context.Context, _ any) error {
	db, owned := p.opts.DB, false
	if db == nil {
		dsn := p.opts.DSN
		if dsn == "" {
			var err error
			if dsn, err = config.NewSource(p.opts.Registry).Required("DATABASE_URL"); err != nil {
				return err
			}
		}
		var err error
		if db, err = sql.Open("postgres", dsn); err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		owned = true
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
	}

	for _, collection := range p.opts.Collections {
		if err := EnsureCollection(ctx, db, collection); err != nil {
			if owned {
				_ = db.Close()
			}
			return err
		}
	}

	p.mu.Lock()
	p.db, p.owned = db, owned
	p.mu.Unlock()
	return nil
}

func (p *Provider) onEnd(context.Context, any) error {
	p.mu.Lock()
	db, owned := p.db, p.owned
	p.db, p.owned = nil, false
	p.mu.Unlock()
	if db != nil && owned {
		return db.Close()
	}
	return nil
}

func (p *Provider) conn(op, collection string) (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, data.NewSyncError(op, collection, data.KindUnavailable, data.ErrNotInitialized)
	}
	return p.db, nil
}

// EnsureCollection creates the table backing collection when missing.
func EnsureCollection(ctx context.Context, db *sql.DB, collection string) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+pq.QuoteIdentifier(collection)+` (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return wrap("migrate", collection, err)
	}
	return nil
}

// Fetch implements data.Provider.
func (p *Provider) Fetch(ctx context.Context, collection string, q data.Query) ([]data.Record, error) {
	db, err := p.conn("fetch", collection)
	if err != nil {
		return nil, err
	}

	query := `SELECT data, updated_at FROM ` + pq.QuoteIdentifier(collection)
	var args []any
	if len(q.Filters) > 0 {
		doc, err := containment(q.Filters)
		if err != nil {
			return nil, data.NewSyncError("fetch", collection, data.KindInvalidRequest, err)
		}
		query += ` WHERE data @> $1::jsonb`
		args = append(args, doc)
	}
	query += ` ORDER BY updated_at, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("fetch", collection, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, wrap("fetch", collection, err)
	}
	return project(records, q.Select), nil
}

// Update implements data.Provider.
func (p *Provider) Update(ctx context.Context, collection string, record data.Record) (data.Record, error) {
	db, err := p.conn("update", collection)
	if err != nil {
		return nil, err
	}
	id, ok := record.ID()
	if !ok {
		return nil, data.NewSyncError("update", collection, data.KindInvalidRequest, data.ErrMissingID)
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return nil, data.NewSyncError("update", collection, data.KindInvalidRequest, err)
	}

	row := db.QueryRowContext(ctx, `UPDATE `+pq.QuoteIdentifier(collection)+`
		SET data = $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING data, updated_at`, fmt.Sprint(id), doc)
	out, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, data.NewSyncError("update", collection, data.KindNotFound, data.ErrRecordNotFound)
	}
	if err != nil {
		return nil, wrap("update", collection, err)
	}
	return out, nil
}

// Upsert implements data.Provider. Records without an id get a new UUID.
func (p *Provider) Upsert(ctx context.Context, collection string, records ...data.Record) ([]data.Record, error) {
	db, err := p.conn("upsert", collection)
	if err != nil {
		return nil, err
	}
	withIDs := make([]data.Record, len(records))
	for i, r := range records {
		withIDs[i] = r
		if _, ok := r.ID(); !ok {
			withIDs[i] = r.Clone()
			withIDs[i]["id"] = uuid.NewString()
		}
	}

	return data.UpsertWithFallback(ctx, collection, withIDs, data.UpsertPaths{
		Upsert: func(ctx context.Context, records []data.Record) ([]data.Record, error) {
			return p.upsert(ctx, db, collection, records, true)
		},
		UpsertMinimal: func(ctx context.Context, records []data.Record) error {
			_, err := p.upsert(ctx, db, collection, records, false)
			return err
		},
		FetchByIDs: func(ctx context.Context, ids []any) ([]data.Record, error) {
			return p.fetchByIDs(ctx, db, collection, ids)
		},
	}, p.metrics, p.log)
}

func (p *Provider) upsert(ctx context.Context, db *sql.DB, collection string, records []data.Record, returning bool) ([]data.Record, error) {
	stmt := `INSERT INTO ` + pq.QuoteIdentifier(collection) + ` (id, data, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if returning {
		stmt += ` RETURNING data, updated_at`
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("upsert", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]data.Record, 0, len(records))
	for _, r := range records {
		id, _ := r.ID()
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, data.NewSyncError("upsert", collection, data.KindInvalidRequest, err)
		}
		if !returning {
			if _, err := tx.ExecContext(ctx, stmt, fmt.Sprint(id), doc); err != nil {
				return nil, wrap("upsert", collection, err)
			}
			continue
		}
		rec, err := scanRecord(tx.QueryRowContext(ctx, stmt, fmt.Sprint(id), doc))
		if err != nil {
			return nil, wrap("upsert", collection, err)
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("upsert", collection, err)
	}
	return out, nil
}

func (p *Provider) fetchByIDs(ctx context.Context, db *sql.DB, collection string, ids []any) ([]data.Record, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprint(id)
	}
	rows, err := db.QueryContext(ctx, `SELECT data, updated_at FROM `+pq.QuoteIdentifier(collection)+`
		WHERE id = ANY($1) ORDER BY updated_at, id`, pq.Array(keys))
	if err != nil {
		return nil, wrap("fetch", collection, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, wrap("fetch", collection, err)
	}
	return records, nil
}

// Delete implements data.Provider.
func (p *Provider) Delete(ctx context.Context, collection string, filters data.Filters) error {
	if len(filters) == 0 {
		return data.NewSyncError("delete", collection, data.KindInvalidRequest, data.ErrFilterRequired)
	}
	db, err := p.conn("delete", collection)
	if err != nil {
		return err
	}
	doc, err := containment(filters)
	if err != nil {
		return data.NewSyncError("delete", collection, data.KindInvalidRequest, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM `+pq.QuoteIdentifier(collection)+` WHERE data @> $1::jsonb`, doc); err != nil {
		return wrap("delete", collection, err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func containment(filters data.Filters) ([]byte, error) {
	doc := make(map[string]any, len(filters))
	for _, f := range filters {
		doc[f.Field] = f.Value
	}
	return json.Marshal(doc)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (data.Record, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	if err := row.Scan(&raw, &updatedAt); err != nil {
		return nil, err
	}
	rec := data.Record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if _, ok := rec["updated_at"]; ok {
		rec["updated_at"] = updatedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]data.Record, error) {
	defer rows.Close()
	out := make([]data.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func project(records []data.Record, sel string) []data.Record {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return records
	}
	var cols []string
	for _, c := range strings.Split(sel, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	out := make([]data.Record, len(records))
	for i, r := range records {
		out[i] = make(data.Record, len(cols))
		for _, c := range cols {
			if v, ok := r[c]; ok {
				out[i][c] = v
			}
		}
	}
	return out
}

// wrap classifies a database error.
func wrap(op, collection string, err error) error {
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		se := data.NewSyncError(op, collection, data.KindInvalidRequest, err)
		se.Code = string(pqErr.Code)
		switch pqErr.Code {
		case codeInsufficientPrivilege:
			se.Kind = data.KindPermissionDenied
		case codeUndefinedTable:
			se.Kind = data.KindNotFound
		default:
			if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
				se.Kind = data.KindUnavailable
			}
		}
		return se
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded):
		return data.NewSyncError(op, collection, data.KindUnavailable, err)
	default:
		return data.NewSyncError(op, collection, data.KindNetwork, err)
	}
}
