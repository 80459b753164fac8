// Package cache implements the content-addressed document text cache.
//
// A document is identified by the SHA-256 [Fingerprint] of its bytes. Pages
// are extracted lazily on first request, kept in a page-granular in-memory
// LRU and persisted through a [Store]. Concurrent first requests for the same
// page share a single extraction; distinct pages extract in parallel.
//
// Extraction uses a primary engine and, per page, a fallback engine when the
// primary fails or returns nothing for a page whose content stream is
// non-trivial. The chosen engine is recorded on the page. When both engines
// fail, [Cache.Page] returns a [*PageError] for that page only; failures are
// not cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// ErrExtractionFailed is wrapped by [*PageError] when no engine could
// extract a page.
var ErrExtractionFailed = errors.New("cache: extraction failed")

const (
	defaultPageCapacity     = 256
	defaultDocumentCapacity = 16
	defaultPrefetchWorkers  = 4
	defaultExtractTimeout   = 2 * time.Minute
)

// PageError reports that every extraction engine failed for one page. Other
// pages of the document remain usable.
type PageError struct {
	Document    string
	Fingerprint Fingerprint
	Page        int
	Err         error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("cache: extraction failed for page %d of %s: %v", e.Page, e.Document, e.Err)
}

// Unwrap returns [ErrExtractionFailed] and the underlying engine errors.
func (e *PageError) Unwrap() []error {
	return []error{ErrExtractionFailed, e.Err}
}

// Document is a handle to a fingerprinted document. It keeps the bytes so
// pages can be extracted on demand.
type Document struct {
	fp    Fingerprint
	name  string
	data  []byte
	pages int
}

// Fingerprint returns the document's content fingerprint.
func (d *Document) Fingerprint() Fingerprint { return d.fp }

// Name returns the display name the document was loaded with.
func (d *Document) Name() string { return d.name }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.pages }

func (d *Document) source() extract.Source {
	return extract.Source{Name: d.name, Data: d.data}
}

// Option is a functional option for [New].
type Option func(*Cache)

// WithFallback sets the secondary extraction engine.
func WithFallback(e extract.Extractor) Option {
	return func(c *Cache) { c.fallback = e }
}

// WithStore sets the persistent store. Defaults to a [MemoryStore].
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithPageCapacity sets how many pages the in-memory LRU holds.
func WithPageCapacity(n int) Option {
	return func(c *Cache) { c.pageCapacity = n }
}

// WithDocumentCapacity sets how many open document handles are retained for
// lookup by fingerprint.
func WithDocumentCapacity(n int) Option {
	return func(c *Cache) { c.docCapacity = n }
}

// WithPrefetchWorkers bounds the parallelism of [Cache.Prefetch].
func WithPrefetchWorkers(n int) Option {
	return func(c *Cache) { c.prefetchWorkers = n }
}

// WithExtractTimeout bounds a single page extraction, including fallback.
func WithExtractTimeout(d time.Duration) Option {
	return func(c *Cache) { c.extractTimeout = d }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache serves extracted pages. It is safe for concurrent use.
type Cache struct {
	primary         extract.Extractor
	fallback        extract.Extractor
	store           Store
	metrics         *observe.Metrics
	pageCapacity    int
	docCapacity     int
	prefetchWorkers int
	extractTimeout  time.Duration

	pages  *lru.Cache[string, types.Page]
	docs   *lru.Cache[Fingerprint, *Document]
	flight singleflight.Group
	docMu  sync.Mutex
}

// New returns a Cache that extracts with primary.
func New(primary extract.Extractor, opts ...Option) (*Cache, error) {
	if primary == nil {
		return nil, errors.New("cache: primary extractor is required")
	}
	c := &Cache{
		primary:         primary,
		pageCapacity:    defaultPageCapacity,
		docCapacity:     defaultDocumentCapacity,
		prefetchWorkers: defaultPrefetchWorkers,
		extractTimeout:  defaultExtractTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	var err error
	if c.pages, err = lru.New[string, types.Page](c.pageCapacity); err != nil {
		return nil, fmt.Errorf("cache: page lru: %w", err)
	}
	if c.docs, err = lru.New[Fingerprint, *Document](c.docCapacity); err != nil {
		return nil, fmt.Errorf("cache: document lru: %w", err)
	}
	return c, nil
}

// Open reads the file at path and returns its document handle.
func (c *Cache) Open(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	return c.Load(ctx, filepath.Base(path), data)
}

// Load fingerprints data and returns its document handle. The page count
// comes from the store when the document was seen before, otherwise from the
// extraction engines.
func (c *Cache) Load(ctx context.Context, name string, data []byte) (*Document, error) {
	fp := FingerprintBytes(data)
	if d, ok := c.docs.Get(fp); ok {
		return d, nil
	}

	c.docMu.Lock()
	defer c.docMu.Unlock()
	if d, ok := c.docs.Get(fp); ok {
		return d, nil
	}

	doc := &Document{fp: fp, name: name, data: data}
	meta, err := c.store.LoadDocument(ctx, fp)
	switch {
	case err == nil:
		doc.pages = meta.Pages
	default:
		if !errors.Is(err, ErrNotFound) {
			c.storeFailure(ctx, "load document", fp, -1, err)
		}
		n, err := c.countPages(ctx, doc.source())
		if err != nil {
			return nil, err
		}
		doc.pages = n
		if err := c.store.SaveDocument(ctx, DocumentMeta{Fingerprint: fp, Name: name, Pages: n}); err != nil {
			slog.Warn("cache: save document failed", "fingerprint", fp.Short(), "err", err)
		}
	}

	c.docs.Add(fp, doc)
	slog.Debug("cache: document loaded", "name", name, "fingerprint", fp.Short(), "pages", doc.pages)
	return doc, nil
}

// Document returns a previously loaded handle by fingerprint.
func (c *Cache) Document(fp Fingerprint) (*Document, bool) {
	return c.docs.Get(fp)
}

func (c *Cache) countPages(ctx context.Context, src extract.Source) (int, error) {
	n, err := c.primary.PageCount(ctx, src)
	if err == nil {
		return n, nil
	}
	if c.fallback == nil {
		return 0, fmt.Errorf("cache: count pages of %s: %w", src.Name, err)
	}
	n, ferr := c.fallback.PageCount(ctx, src)
	if ferr != nil {
		return 0, fmt.Errorf("cache: count pages of %s: %w", src.Name, errors.Join(err, ferr))
	}
	return n, nil
}

// Page returns the extracted units of the 0-based page. The returned page is
// shared with other callers and must not be modified.
func (c *Cache) Page(ctx context.Context, doc *Document, page int) (types.Page, error) {
	if page < 0 || page >= doc.pages {
		return types.Page{}, fmt.Errorf("%w: %d of %d in %s", extract.ErrPageOutOfRange, page, doc.pages, doc.name)
	}
	key := pageKey(doc.fp, page)
	if p, ok := c.pages.Get(key); ok {
		c.metrics.RecordCacheLookup(ctx, "memory", true)
		return p, nil
	}
	c.metrics.RecordCacheLookup(ctx, "memory", false)

	ch := c.flight.DoChan(key, func() (any, error) {
		// Shared work outlives any single caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.extractTimeout)
		defer cancel()
		return c.load(fctx, doc, page, key)
	})
	select {
	case <-ctx.Done():
		return types.Page{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.Page{}, res.Err
		}
		return res.Val.(types.Page), nil
	}
}

func (c *Cache) load(ctx context.Context, doc *Document, page int, key string) (types.Page, error) {
	if p, ok := c.pages.Get(key); ok {
		return p, nil
	}

	p, err := c.store.LoadPage(ctx, doc.fp, page)
	switch {
	case err == nil:
		c.metrics.RecordCacheLookup(ctx, "store", true)
		c.pages.Add(key, p)
		return p, nil
	case errors.Is(err, ErrNotFound):
		c.metrics.RecordCacheLookup(ctx, "store", false)
	default:
		c.metrics.RecordCacheLookup(ctx, "store", false)
		c.storeFailure(ctx, "load page", doc.fp, page, err)
	}

	p, err = c.extract(ctx, doc, page)
	if err != nil {
		return types.Page{}, err
	}
	if err := c.store.SavePage(ctx, doc.fp, p); err != nil {
		slog.Warn("cache: save page failed", "fingerprint", doc.fp.Short(), "page", page, "err", err)
	}
	c.pages.Add(key, p)
	return p, nil
}

// storeFailure logs a store read problem. Corrupt records are counted; both
// cases fall through to re-extraction.
func (c *Cache) storeFailure(ctx context.Context, op string, fp Fingerprint, page int, err error) {
	if errors.Is(err, ErrCorrupt) {
		c.metrics.CacheCorrupt.Add(ctx, 1)
	}
	observe.Logger(ctx).Warn("cache: store read failed, treating as miss",
		"op", op, "fingerprint", fp.Short(), "page", page, "err", err)
}

// extract runs the fallback policy for one page.
func (c *Cache) extract(ctx context.Context, doc *Document, page int) (types.Page, error) {
	ctx, span := observe.StartPageSpan(ctx, "cache.extract", string(doc.fp), page)
	p, err := c.extractPage(ctx, doc, page)
	if err == nil {
		span.SetAttributes(
			observe.AttrEngine.String(p.Engine),
			observe.AttrFallback.Bool(p.Fallback),
			observe.AttrUnits.Int(len(p.Units)),
		)
	}
	observe.EndSpan(span, err)
	return p, err
}

func (c *Cache) extractPage(ctx context.Context, doc *Document, page int) (types.Page, error) {
	src := doc.source()

	units, perr := c.run(ctx, c.primary, src, page)
	if perr == nil && len(units) > 0 {
		return types.Page{Index: page, Units: units, Engine: c.primary.Name()}, nil
	}
	if ctx.Err() != nil {
		return types.Page{}, ctx.Err()
	}
	if perr == nil && !c.nonEmpty(ctx, src, page) {
		return types.Page{Index: page, Units: units, Engine: c.primary.Name()}, nil
	}
	if perr == nil {
		perr = fmt.Errorf("%s returned no text for a page with content", c.primary.Name())
	}
	if c.fallback == nil {
		c.metrics.ExtractionFailures.Add(ctx, 1)
		return types.Page{}, &PageError{Document: doc.name, Fingerprint: doc.fp, Page: page, Err: perr}
	}

	slog.Info("cache: using fallback extractor",
		"fingerprint", doc.fp.Short(), "page", page, "fallback", c.fallback.Name(), "reason", perr)
	units, ferr := c.run(ctx, c.fallback, src, page)
	if ferr == nil && len(units) > 0 {
		c.metrics.ExtractionFallbacks.Add(ctx, 1)
		return types.Page{Index: page, Units: units, Engine: c.fallback.Name(), Fallback: true}, nil
	}
	if ctx.Err() != nil {
		return types.Page{}, ctx.Err()
	}
	if ferr == nil {
		ferr = fmt.Errorf("%s returned no text", c.fallback.Name())
	}
	c.metrics.ExtractionFailures.Add(ctx, 1)
	return types.Page{}, &PageError{Document: doc.name, Fingerprint: doc.fp, Page: page, Err: errors.Join(perr, ferr)}
}

func (c *Cache) run(ctx context.Context, e extract.Extractor, src extract.Source, page int) ([]types.TextUnit, error) {
	start := time.Now()
	units, err := e.ExtractPage(ctx, src, page)
	c.metrics.RecordExtraction(ctx, e.Name(), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if units == nil {
		units = []types.TextUnit{}
	}
	return units, nil
}

// nonEmpty reports whether the page is expected to contain text. Without a
// prober, or when probing fails, the page is assumed non-empty so the
// fallback gets a chance.
func (c *Cache) nonEmpty(ctx context.Context, src extract.Source, page int) bool {
	prober, ok := c.primary.(extract.ContentProber)
	if !ok {
		return true
	}
	has, err := prober.HasContent(ctx, src, page)
	if err != nil {
		slog.Debug("cache: content probe failed", "page", page, "err", err)
		return true
	}
	return has
}

// Prefetch warms the given pages in parallel. Pages outside the document are
// ignored and per-page failures are logged. It returns only when ctx ends
// early.
func (c *Cache) Prefetch(ctx context.Context, doc *Document, pages ...int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.prefetchWorkers)
	for _, page := range pages {
		if page < 0 || page >= doc.pages {
			continue
		}
		g.Go(func() error {
			if _, err := c.Page(gctx, doc, page); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("cache: prefetch failed", "fingerprint", doc.fp.Short(), "page", page, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Text returns the page's words joined by spaces, with a newline wherever the
// next word starts on a lower line.
func (c *Cache) Text(ctx context.Context, doc *Document, page int) (string, error) {
	p, err := c.Page(ctx, doc, page)
	if err != nil {
		return "", err
	}
	text, _ := pageText(p)
	return string(text), nil
}

// Ping checks the persistent store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close closes the persistent store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func pageKey(fp Fingerprint, page int) string {
	return string(fp) + "/" + strconv.Itoa(page)
}
