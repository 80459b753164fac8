package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract/mock"
)

var errEngine = errors.New("engine exploded")

func newTestCache(t *testing.T, primary extract.Extractor, opts ...Option) *Cache {
	t.Helper()
	c, err := New(primary, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func threePages() *mock.Extractor {
	return &mock.Extractor{
		NameValue: "primary",
		Pages: map[int][]string{
			0: {"The", "cat", "sat"},
			1: {"on", "the", "mat"},
			2: {"quietly"},
		},
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := FingerprintBytes([]byte("hello"))
	b := FingerprintBytes([]byte("hello"))
	c := FingerprintBytes([]byte("hello!"))
	if a != b {
		t.Errorf("same content, different fingerprints: %s %s", a, b)
	}
	if a == c {
		t.Error("different content, same fingerprint")
	}
	if !a.Valid() {
		t.Errorf("fingerprint %q not valid", a)
	}
	if Fingerprint("abc").Valid() {
		t.Error("short fingerprint reported valid")
	}
	r, err := FingerprintReader(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if r != a {
		t.Errorf("reader fingerprint %s, want %s", r, a)
	}
	if len(a.Short()) != 12 {
		t.Errorf("Short = %q", a.Short())
	}
}

func TestCache_LoadReusesHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, threePages())

	d1, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d2, err := c.Load(ctx, "renamed.pdf", []byte("doc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d1 != d2 {
		t.Error("same bytes under a new name should reuse the handle")
	}
	if d1.PageCount() != 3 {
		t.Errorf("PageCount = %d, want 3", d1.PageCount())
	}
	if got, ok := c.Document(d1.Fingerprint()); !ok || got != d1 {
		t.Error("Document lookup by fingerprint failed")
	}
}

func TestCache_OpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "book.pdf")
	if err := os.WriteFile(path, []byte("file bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, threePages())
	doc, err := c.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if doc.Name() != "book.pdf" {
		t.Errorf("Name = %q, want book.pdf", doc.Name())
	}
	if doc.Fingerprint() != FingerprintBytes([]byte("file bytes")) {
		t.Error("fingerprint does not match file content")
	}
	if _, err := c.Open(context.Background(), filepath.Join(t.TempDir(), "missing.pdf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCache_PageStableAcrossRestarts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	primary := threePages()

	c1 := newTestCache(t, primary, WithStore(store))
	doc, err := c1.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	first, err := c1.Page(ctx, doc, 0)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	again, err := c1.Page(ctx, doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("second lookup differs:\n%+v\n%+v", first, again)
	}

	// A fresh cache over the same store serves the page without extracting.
	fresh := threePages()
	c2 := newTestCache(t, fresh, WithStore(store))
	doc2, err := c2.Load(ctx, "moved.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	persisted, err := c2.Page(ctx, doc2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, persisted) {
		t.Fatalf("persisted page differs:\n%+v\n%+v", first, persisted)
	}
	if n := fresh.Calls(0); n != 0 {
		t.Errorf("fresh cache extracted %d times, want 0", n)
	}
	if first.Engine != "primary" || first.Fallback {
		t.Errorf("provenance = %q fallback=%v", first.Engine, first.Fallback)
	}
	for i, u := range first.Units {
		if u.Index != i || u.Page != 0 {
			t.Errorf("unit %d: index %d page %d", i, u.Index, u.Page)
		}
	}
}

func TestCache_ConcurrentFirstRequestsExtractOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := threePages()
	primary.Block = make(chan struct{})
	primary.Started = make(chan int, 16)
	c := newTestCache(t, primary)
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}

	const callers = 8
	results := make([][]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Page(ctx, doc, 1)
			errs[i] = err
			results[i] = p.Words()
		}()
	}

	<-primary.Started
	// Give the remaining callers time to join the in-flight extraction.
	time.Sleep(20 * time.Millisecond)
	close(primary.Block)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !reflect.DeepEqual(results[i], []string{"on", "the", "mat"}) {
			t.Errorf("caller %d got %v", i, results[i])
		}
	}
	if n := primary.Calls(1); n != 1 {
		t.Errorf("extractions = %d, want 1", n)
	}
}

func TestCache_DistinctPagesExtractInParallel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := threePages()
	primary.Block = make(chan struct{})
	primary.Started = make(chan int, 4)
	c := newTestCache(t, primary)
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, page := range []int{0, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Page(ctx, doc, page); err != nil {
				t.Errorf("page %d: %v", page, err)
			}
		}()
	}
	// Both extractions must be in flight before either is released.
	for range 2 {
		select {
		case <-primary.Started:
		case <-time.After(2 * time.Second):
			t.Fatal("extractions did not start in parallel")
		}
	}
	close(primary.Block)
	wg.Wait()
}

func TestCache_FallbackPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		primary      *mock.Extractor
		fallback     *mock.Extractor
		wantWords    []string
		wantEngine   string
		wantFallback bool
		wantFallCall int
	}{
		{
			name: "primary succeeds",
			primary: &mock.Extractor{NameValue: "primary",
				Pages: map[int][]string{0: {"a", "b"}}},
			fallback:   &mock.Extractor{NameValue: "fallback", Pages: map[int][]string{0: {"x"}}},
			wantWords:  []string{"a", "b"},
			wantEngine: "primary",
		},
		{
			name: "primary errors",
			primary: &mock.Extractor{NameValue: "primary",
				Pages: map[int][]string{0: nil}, PageErrs: map[int]error{0: errEngine}},
			fallback:     &mock.Extractor{NameValue: "fallback", Pages: map[int][]string{0: {"x", "y"}}},
			wantWords:    []string{"x", "y"},
			wantEngine:   "fallback",
			wantFallback: true,
			wantFallCall: 1,
		},
		{
			name: "primary empty on page with content",
			primary: &mock.Extractor{NameValue: "primary",
				Pages: map[int][]string{0: {}}},
			fallback:     &mock.Extractor{NameValue: "fallback", Pages: map[int][]string{0: {"scanned"}}},
			wantWords:    []string{"scanned"},
			wantEngine:   "fallback",
			wantFallback: true,
			wantFallCall: 1,
		},
		{
			name: "primary empty on blank page",
			primary: &mock.Extractor{NameValue: "primary",
				Pages: map[int][]string{0: {}}, Content: map[int]bool{0: false}},
			fallback:   &mock.Extractor{NameValue: "fallback", Pages: map[int][]string{0: {"x"}}},
			wantWords:  []string{},
			wantEngine: "primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCache(t, tt.primary, WithFallback(tt.fallback))
			doc, err := c.Load(ctx, "doc.pdf", []byte(tt.name))
			if err != nil {
				t.Fatal(err)
			}
			p, err := c.Page(ctx, doc, 0)
			if err != nil {
				t.Fatalf("Page: %v", err)
			}
			if got := p.Words(); !reflect.DeepEqual(got, tt.wantWords) {
				t.Errorf("words = %v, want %v", got, tt.wantWords)
			}
			if p.Engine != tt.wantEngine || p.Fallback != tt.wantFallback {
				t.Errorf("provenance = %q/%v, want %q/%v", p.Engine, p.Fallback, tt.wantEngine, tt.wantFallback)
			}
			if got := tt.fallback.Calls(0); got != tt.wantFallCall {
				t.Errorf("fallback calls = %d, want %d", got, tt.wantFallCall)
			}
			for _, u := range p.Units {
				if u.Page != 0 {
					t.Errorf("unit %d page = %d", u.Index, u.Page)
				}
			}
		})
	}
}

func TestCache_BothEnginesFailIsPageLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := threePages()
	primary.PageErrs = map[int]error{1: errEngine}
	fallback := &mock.Extractor{NameValue: "fallback", PageErrs: map[int]error{1: errors.New("also broken")}}
	store := NewMemoryStore()
	c := newTestCache(t, primary, WithFallback(fallback), WithStore(store))
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Page(ctx, doc, 1)
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
	if !errors.Is(err, errEngine) {
		t.Errorf("err = %v, want it to wrap the primary error", err)
	}
	var pe *PageError
	if !errors.As(err, &pe) || pe.Page != 1 {
		t.Fatalf("err = %v, want *PageError for page 1", err)
	}

	// Other pages are unaffected.
	if _, err := c.Page(ctx, doc, 0); err != nil {
		t.Fatalf("page 0: %v", err)
	}
	if _, err := c.Page(ctx, doc, 2); err != nil {
		t.Fatalf("page 2: %v", err)
	}

	// The failure was not cached: a later call retries.
	primary.Reset()
	primary.PageErrs = nil
	p, err := c.Page(ctx, doc, 1)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := p.Words(); !reflect.DeepEqual(got, []string{"on", "the", "mat"}) {
		t.Errorf("retry words = %v", got)
	}
	if primary.Calls(1) != 1 {
		t.Errorf("retry extractions = %d, want 1", primary.Calls(1))
	}
}

func TestCache_NoFallbackConfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := threePages()
	primary.PageErrs = map[int]error{0: errEngine}
	c := newTestCache(t, primary)
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Page(ctx, doc, 0); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
}

func TestCache_CorruptRecordIsReextracted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	primary := threePages()
	c := newTestCache(t, primary, WithStore(store))
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	store.PutRaw(doc.Fingerprint(), 0, []byte("{not json"))

	p, err := c.Page(ctx, doc, 0)
	if err != nil {
		t.Fatalf("corrupt record should be a miss, got %v", err)
	}
	if got := p.Words(); !reflect.DeepEqual(got, []string{"The", "cat", "sat"}) {
		t.Errorf("words = %v", got)
	}
	if primary.Calls(0) != 1 {
		t.Errorf("extractions = %d, want 1", primary.Calls(0))
	}

	// The record was overwritten with a valid one.
	stored, err := store.LoadPage(ctx, doc.Fingerprint(), 0)
	if err != nil {
		t.Fatalf("stored record still unreadable: %v", err)
	}
	if !reflect.DeepEqual(stored, p) {
		t.Errorf("stored page differs from served page")
	}
}

func TestCache_PageOutOfRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, threePages())
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	for _, page := range []int{-1, 3} {
		if _, err := c.Page(ctx, doc, page); !errors.Is(err, extract.ErrPageOutOfRange) {
			t.Errorf("page %d: err = %v, want ErrPageOutOfRange", page, err)
		}
	}
}

func TestCache_PageCountFallsBack(t *testing.T) {
	t.Parallel()
	primary := threePages()
	primary.PageCountErr = errEngine
	fallback := &mock.Extractor{NameValue: "fallback", PageCountValue: 9}
	c := newTestCache(t, primary, WithFallback(fallback))
	doc, err := c.Load(context.Background(), "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.PageCount() != 9 {
		t.Errorf("PageCount = %d, want 9", doc.PageCount())
	}

	fallback.PageCountErr = errEngine
	c2 := newTestCache(t, primary, WithFallback(fallback))
	if _, err := c2.Load(context.Background(), "b.pdf", []byte("other")); err == nil {
		t.Error("expected error when no engine can count pages")
	}
}

func TestCache_Prefetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := threePages()
	primary.PageErrs = map[int]error{2: errEngine}
	c := newTestCache(t, primary, WithPrefetchWorkers(2))
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Prefetch(ctx, doc, 0, 1, 2, 7, -1); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	for _, page := range []int{0, 1} {
		if _, err := c.Page(ctx, doc, page); err != nil {
			t.Fatal(err)
		}
		if n := primary.Calls(page); n != 1 {
			t.Errorf("page %d extracted %d times, want 1", page, n)
		}
	}
	if primary.Calls(7) != 0 {
		t.Error("out-of-range page was extracted")
	}
}

func TestCache_Text(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, threePages())
	doc, err := c.Load(ctx, "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Text(ctx, doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "The cat sat" {
		t.Errorf("Text = %q, want %q", got, "The cat sat")
	}
}

func TestCache_CancelledCallerDoesNotPoisonOthers(t *testing.T) {
	t.Parallel()
	primary := threePages()
	primary.Block = make(chan struct{})
	primary.Started = make(chan int, 4)
	c := newTestCache(t, primary)
	doc, err := c.Load(context.Background(), "a.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Page(cctx, doc, 0)
		done <- err
	}()
	<-primary.Started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v, want context.Canceled", err)
	}

	close(primary.Block)
	p, err := c.Page(context.Background(), doc, 0)
	if err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if len(p.Units) != 3 {
		t.Errorf("units = %d, want 3", len(p.Units))
	}
}

func TestNew_RequiresPrimary(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err == nil {
		t.Fatal("expected error")
	}
}
