package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

var (
	// ErrNotFound is returned by a [Store] when no record exists.
	ErrNotFound = errors.New("cache: not found")

	// ErrCorrupt is returned by a [Store] when a record exists but cannot be
	// decoded. The cache treats it as a miss and overwrites the record.
	ErrCorrupt = errors.New("cache: corrupt record")
)

// recordVersion is bumped whenever the persisted page layout changes.
// Records with another version decode as [ErrCorrupt] and are re-extracted.
const recordVersion = 1

// DocumentMeta is the persisted per-document record.
type DocumentMeta struct {
	Fingerprint Fingerprint
	Name        string
	Pages       int
	CreatedAt   time.Time
}

// Store persists extracted pages keyed by document fingerprint and page
// index. Records for a fingerprint never change meaning; a save for an
// existing key replaces a record that failed to decode.
//
// Implementations must be safe for concurrent use.
type Store interface {
	LoadDocument(ctx context.Context, fp Fingerprint) (DocumentMeta, error)
	SaveDocument(ctx context.Context, meta DocumentMeta) error
	LoadPage(ctx context.Context, fp Fingerprint, page int) (types.Page, error)
	SavePage(ctx context.Context, fp Fingerprint, page types.Page) error
	Ping(ctx context.Context) error
	Close() error
}

type pageRecord struct {
	Version int        `json:"v"`
	Page    types.Page `json:"page"`
}

// EncodePage serialises p into the persisted record format.
func EncodePage(p types.Page) ([]byte, error) {
	if p.Units == nil {
		p.Units = []types.TextUnit{}
	}
	b, err := json.Marshal(pageRecord{Version: recordVersion, Page: p})
	if err != nil {
		return nil, fmt.Errorf("cache: encode page %d: %w", p.Index, err)
	}
	return b, nil
}

// DecodePage parses a persisted record and checks it belongs to page. Any
// mismatch is reported as [ErrCorrupt].
func DecodePage(b []byte, page int) (types.Page, error) {
	var rec pageRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.Page{}, fmt.Errorf("%w: page %d: %v", ErrCorrupt, page, err)
	}
	if rec.Version != recordVersion {
		return types.Page{}, fmt.Errorf("%w: page %d: version %d", ErrCorrupt, page, rec.Version)
	}
	p := rec.Page
	if p.Index != page || p.Engine == "" {
		return types.Page{}, fmt.Errorf("%w: page %d: record for page %d engine %q", ErrCorrupt, page, p.Index, p.Engine)
	}
	for i, u := range p.Units {
		if u.Index != i || u.Page != page {
			return types.Page{}, fmt.Errorf("%w: page %d: unit %d has index %d page %d", ErrCorrupt, page, i, u.Index, u.Page)
		}
	}
	if p.Units == nil {
		p.Units = []types.TextUnit{}
	}
	return p, nil
}

type memKey struct {
	fp   Fingerprint
	page int
}

// MemoryStore is a [Store] that keeps encoded records in process memory. It is
// used when persistence is disabled and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[Fingerprint]DocumentMeta
	pages map[memKey][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[Fingerprint]DocumentMeta),
		pages: make(map[memKey][]byte),
	}
}

// LoadDocument implements [Store].
func (s *MemoryStore) LoadDocument(_ context.Context, fp Fingerprint) (DocumentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.docs[fp]
	if !ok {
		return DocumentMeta{}, ErrNotFound
	}
	return meta, nil
}

// SaveDocument implements [Store].
func (s *MemoryStore) SaveDocument(_ context.Context, meta DocumentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[meta.Fingerprint] = meta
	return nil
}

// LoadPage implements [Store].
func (s *MemoryStore) LoadPage(_ context.Context, fp Fingerprint, page int) (types.Page, error) {
	s.mu.Lock()
	b, ok := s.pages[memKey{fp, page}]
	s.mu.Unlock()
	if !ok {
		return types.Page{}, ErrNotFound
	}
	return DecodePage(b, page)
}

// SavePage implements [Store].
func (s *MemoryStore) SavePage(_ context.Context, fp Fingerprint, p types.Page) error {
	b, err := EncodePage(p)
	if err != nil {
		return err
	}
	s.PutRaw(fp, p.Index, b)
	return nil
}

// PutRaw stores b as the record for (fp, page) without validation.
func (s *MemoryStore) PutRaw(fp Fingerprint, page int, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[memKey{fp, page}] = b
}

// Len returns the number of stored page records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// Ping implements [Store].
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemoryStore) Close() error { return nil }
