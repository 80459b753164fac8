package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// sqliteSchema creates the on-disk cache tables.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    fingerprint TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    pages       INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pages (
    fingerprint TEXT NOT NULL,
    page        INTEGER NOT NULL,
    engine      TEXT NOT NULL,
    fallback    INTEGER NOT NULL DEFAULT 0,
    record      BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (fingerprint, page)
);
`

// SQLiteStore is a [Store] backed by a local SQLite database file. It is the
// default on-disk cache.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// LoadDocument implements [Store].
func (s *SQLiteStore) LoadDocument(ctx context.Context, fp Fingerprint) (DocumentMeta, error) {
	const query = `SELECT name, pages, created_at FROM documents WHERE fingerprint = ?`
	meta := DocumentMeta{Fingerprint: fp}
	var created int64
	err := s.db.QueryRowContext(ctx, query, string(fp)).Scan(&meta.Name, &meta.Pages, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentMeta{}, ErrNotFound
	}
	if err != nil {
		return DocumentMeta{}, fmt.Errorf("cache: load document %s: %w", fp.Short(), err)
	}
	if meta.Pages < 0 {
		return DocumentMeta{}, fmt.Errorf("%w: document %s has %d pages", ErrCorrupt, fp.Short(), meta.Pages)
	}
	meta.CreatedAt = time.UnixMilli(created)
	return meta, nil
}

// SaveDocument implements [Store].
func (s *SQLiteStore) SaveDocument(ctx context.Context, meta DocumentMeta) error {
	const query = `
		INSERT INTO documents (fingerprint, name, pages, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET pages = excluded.pages`
	if _, err := s.db.ExecContext(ctx, query, string(meta.Fingerprint), meta.Name, meta.Pages, s.created(meta.CreatedAt)); err != nil {
		return fmt.Errorf("cache: save document %s: %w", meta.Fingerprint.Short(), err)
	}
	return nil
}

// LoadPage implements [Store].
func (s *SQLiteStore) LoadPage(ctx context.Context, fp Fingerprint, page int) (types.Page, error) {
	const query = `SELECT record FROM pages WHERE fingerprint = ? AND page = ?`
	var record []byte
	err := s.db.QueryRowContext(ctx, query, string(fp), page).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Page{}, ErrNotFound
	}
	if err != nil {
		return types.Page{}, fmt.Errorf("cache: load page %d of %s: %w", page, fp.Short(), err)
	}
	return DecodePage(record, page)
}

// SavePage implements [Store].
func (s *SQLiteStore) SavePage(ctx context.Context, fp Fingerprint, p types.Page) error {
	record, err := EncodePage(p)
	if err != nil {
		return err
	}
	return s.putRecord(ctx, fp, p, record)
}

func (s *SQLiteStore) putRecord(ctx context.Context, fp Fingerprint, p types.Page, record []byte) error {
	const query = `
		INSERT INTO pages (fingerprint, page, engine, fallback, record, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, page) DO UPDATE SET
			engine = excluded.engine,
			fallback = excluded.fallback,
			record = excluded.record`
	if _, err := s.db.ExecContext(ctx, query, string(fp), p.Index, p.Engine, p.Fallback, record, s.clock().UnixMilli()); err != nil {
		return fmt.Errorf("cache: save page %d of %s: %w", p.Index, fp.Short(), err)
	}
	return nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) created(t time.Time) int64 {
	if t.IsZero() {
		t = s.clock()
	}
	return t.UnixMilli()
}
