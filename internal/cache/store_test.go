package cache

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

func samplePage(index int) types.Page {
	return types.Page{
		Index: index,
		Units: []types.TextUnit{
			{Index: 0, Text: "Hello", Box: types.Rect{X: 72, Y: 80, Width: 30, Height: 12}, Page: index},
			{Index: 1, Text: "world", Box: types.Rect{X: 105, Y: 80, Width: 31, Height: 12}, Page: index},
		},
		Engine:   "pdf",
		Fallback: false,
	}
}

func TestDecodePage_RejectsMismatches(t *testing.T) {
	t.Parallel()
	good, err := EncodePage(samplePage(3))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodePage(good, 3); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	wrongUnit := samplePage(3)
	wrongUnit.Units[1].Index = 5
	wrongUnitRec, _ := EncodePage(wrongUnit)

	tests := []struct {
		name string
		data []byte
		page int
	}{
		{name: "garbage", data: []byte("\x00\x01"), page: 3},
		{name: "other page", data: good, page: 4},
		{name: "old version", data: []byte(`{"v":0,"page":{"index":3,"engine":"pdf","units":[]}}`), page: 3},
		{name: "non contiguous units", data: wrongUnitRec, page: 3},
		{name: "missing engine", data: []byte(`{"v":1,"page":{"index":3,"units":[]}}`), page: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePage(tt.data, tt.page); !errors.Is(err, ErrCorrupt) {
				t.Errorf("err = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestEncodePage_EmptyUnits(t *testing.T) {
	t.Parallel()
	b, err := EncodePage(types.Page{Index: 0, Engine: "pdf"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := DecodePage(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Units == nil || len(p.Units) != 0 {
		t.Errorf("units = %#v, want empty slice", p.Units)
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache", "pages.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestSQLite(t)
	fp := FingerprintBytes([]byte("sqlite"))

	if _, err := s.LoadPage(ctx, fp, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadDocument(ctx, fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store document err = %v, want ErrNotFound", err)
	}

	created := time.UnixMilli(1_700_000_000_000)
	if err := s.SaveDocument(ctx, DocumentMeta{Fingerprint: fp, Name: "a.pdf", Pages: 4, CreatedAt: created}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	meta, err := s.LoadDocument(ctx, fp)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if meta.Name != "a.pdf" || meta.Pages != 4 || !meta.CreatedAt.Equal(created) {
		t.Errorf("meta = %+v", meta)
	}

	want := samplePage(2)
	if err := s.SavePage(ctx, fp, want); err != nil {
		t.Fatalf("SavePage: %v", err)
	}
	got, err := s.LoadPage(ctx, fp, 2)
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("page = %+v, want %+v", got, want)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSQLiteStore_CorruptRecordOverwritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestSQLite(t)
	fp := FingerprintBytes([]byte("corrupt"))
	page := samplePage(0)

	if err := s.putRecord(ctx, fp, page, []byte("truncated{")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPage(ctx, fp, 0); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if err := s.SavePage(ctx, fp, page); err != nil {
		t.Fatalf("SavePage over corrupt record: %v", err)
	}
	got, err := s.LoadPage(ctx, fp, 0)
	if err != nil {
		t.Fatalf("LoadPage after overwrite: %v", err)
	}
	if !reflect.DeepEqual(got, page) {
		t.Errorf("page = %+v, want %+v", got, page)
	}
}

func TestSQLiteStore_BacksCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestSQLite(t)
	primary := threePages()
	c := newTestCache(t, primary, WithStore(s))
	doc, err := c.Load(ctx, "a.pdf", []byte("sqlite-backed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Page(ctx, doc, 1); err != nil {
		t.Fatal(err)
	}
	stored, err := s.LoadPage(ctx, doc.Fingerprint(), 1)
	if err != nil {
		t.Fatalf("page not persisted: %v", err)
	}
	if got := stored.Words(); !reflect.DeepEqual(got, []string{"on", "the", "mat"}) {
		t.Errorf("persisted words = %v", got)
	}
	meta, err := s.LoadDocument(ctx, doc.Fingerprint())
	if err != nil || meta.Pages != 3 {
		t.Errorf("document meta = %+v, err = %v", meta, err)
	}
}

// ---------------------------------------------------------------------------
// PostgresStore with a mock DB
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execErr      error
	execs        []execCall
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := NewPostgresStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != PostgresSchema {
		t.Fatalf("execs = %+v, want schema", db.execs)
	}

	db.execErr = errors.New("permission denied")
	if err := s.Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "migrate") {
		t.Errorf("err = %v, want wrapped migrate error", err)
	}
}

func TestPostgresStore_LoadPageNotFound(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{})
	if _, err := s.LoadPage(context.Background(), "fp", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadDocument(context.Background(), "fp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_SaveAndLoadPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := &mockDB{}
	s := NewPostgresStore(db)
	page := samplePage(1)
	fp := FingerprintBytes([]byte("pg"))

	if err := s.SavePage(ctx, fp, page); err != nil {
		t.Fatalf("SavePage: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(db.execs))
	}
	args := db.execs[0].args
	if args[0] != string(fp) || args[1] != 1 || args[2] != "pdf" || args[3] != false {
		t.Errorf("args = %v", args[:4])
	}
	record := args[4].([]byte)

	db.queryRowFunc = func(_ context.Context, _ string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*[]byte) = record
			return nil
		}}
	}
	got, err := s.LoadPage(ctx, fp, 1)
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	if !reflect.DeepEqual(got, page) {
		t.Errorf("page = %+v, want %+v", got, page)
	}

	// A record for another page is corrupt from this key's point of view.
	if _, err := s.LoadPage(ctx, fp, 2); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			if sql != `SELECT 1` {
				return errors.New("unexpected query")
			}
			*dest[0].(*int) = 1
			return nil
		}}
	}}
	if err := NewPostgresStore(db).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
