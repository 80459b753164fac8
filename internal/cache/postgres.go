package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// PostgresSchema is the SQL DDL for the shared page cache. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS extraction_documents (
    fingerprint TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    pages       INTEGER NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS extraction_pages (
    fingerprint TEXT NOT NULL REFERENCES extraction_documents(fingerprint) ON DELETE CASCADE,
    page        INTEGER NOT NULL,
    engine      TEXT NOT NULL,
    fallback    BOOLEAN NOT NULL DEFAULT false,
    record      BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (fingerprint, page)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pinger is implemented by *pgxpool.Pool and *pgx.Conn.
type pinger interface {
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL. Several processes reading
// the same documents can share one cache through it.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on the given connection or pool.
// The caller is responsible for calling [PostgresStore.Migrate] to ensure
// the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [PostgresSchema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

// LoadDocument implements [Store].
func (s *PostgresStore) LoadDocument(ctx context.Context, fp Fingerprint) (DocumentMeta, error) {
	const query = `SELECT name, pages, created_at FROM extraction_documents WHERE fingerprint = $1`
	meta := DocumentMeta{Fingerprint: fp}
	err := s.db.QueryRow(ctx, query, string(fp)).Scan(&meta.Name, &meta.Pages, &meta.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentMeta{}, ErrNotFound
	}
	if err != nil {
		return DocumentMeta{}, fmt.Errorf("cache: load document %s: %w", fp.Short(), err)
	}
	if meta.Pages < 0 {
		return DocumentMeta{}, fmt.Errorf("%w: document %s has %d pages", ErrCorrupt, fp.Short(), meta.Pages)
	}
	return meta, nil
}

// SaveDocument implements [Store].
func (s *PostgresStore) SaveDocument(ctx context.Context, meta DocumentMeta) error {
	const query = `
		INSERT INTO extraction_documents (fingerprint, name, pages, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET pages = EXCLUDED.pages`
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := s.db.Exec(ctx, query, string(meta.Fingerprint), meta.Name, meta.Pages, created); err != nil {
		return fmt.Errorf("cache: save document %s: %w", meta.Fingerprint.Short(), err)
	}
	return nil
}

// LoadPage implements [Store].
func (s *PostgresStore) LoadPage(ctx context.Context, fp Fingerprint, page int) (types.Page, error) {
	const query = `SELECT record FROM extraction_pages WHERE fingerprint = $1 AND page = $2`
	var record []byte
	err := s.db.QueryRow(ctx, query, string(fp), page).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Page{}, ErrNotFound
	}
	if err != nil {
		return types.Page{}, fmt.Errorf("cache: load page %d of %s: %w", page, fp.Short(), err)
	}
	return DecodePage(record, page)
}

// SavePage implements [Store].
func (s *PostgresStore) SavePage(ctx context.Context, fp Fingerprint, p types.Page) error {
	record, err := EncodePage(p)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO extraction_pages (fingerprint, page, engine, fallback, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint, page) DO UPDATE SET
			engine = EXCLUDED.engine,
			fallback = EXCLUDED.fallback,
			record = EXCLUDED.record`
	if _, err := s.db.Exec(ctx, query, string(fp), p.Index, p.Engine, p.Fallback, record); err != nil {
		return fmt.Errorf("cache: save page %d of %s: %w", p.Index, fp.Short(), err)
	}
	return nil
}

// Ping implements [Store]. Connections that cannot be pinged report healthy
// when a trivial query succeeds.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := s.db.(pinger); ok {
		return p.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// Close implements [Store]. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
