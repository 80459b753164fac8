// Package mock provides a test double for the extract.Extractor interface.
//
// Configure per-page results with Pages and per-page failures with PageErrs.
// Set Block to hold ExtractPage until the channel is closed, which lets tests
// observe in-flight deduplication.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// ExtractPageCall records a single invocation of ExtractPage.
type ExtractPageCall struct {
	Source string
	Page   int
}

// Extractor is a mock implementation of extract.Extractor and
// extract.ContentProber.
type Extractor struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Pages maps page index to the words returned for it. Units are built with
	// contiguous indices and zero geometry.
	Pages map[int][]string

	// PageCountValue is returned by PageCount. When zero, len(Pages) is used.
	PageCountValue int

	// PageCountErr, if non-nil, is returned by PageCount.
	PageCountErr error

	// PageErrs maps page index to an error returned by ExtractPage.
	PageErrs map[int]error

	// Content maps page index to the HasContent answer. Pages missing from the
	// map report true.
	Content map[int]bool

	// Block, if non-nil, is awaited by ExtractPage before it returns.
	Block chan struct{}

	// Started, if non-nil, receives the page index when ExtractPage begins.
	Started chan int

	// ExtractPageCalls records every call to ExtractPage in order.
	ExtractPageCalls []ExtractPageCall

	// HasContentCalls counts calls to HasContent.
	HasContentCalls int
}

var (
	_ extract.Extractor     = (*Extractor)(nil)
	_ extract.ContentProber = (*Extractor)(nil)
)

// Name returns NameValue or "mock".
func (e *Extractor) Name() string {
	if e.NameValue != "" {
		return e.NameValue
	}
	return "mock"
}

// PageCount returns PageCountValue (or len(Pages)) and PageCountErr.
func (e *Extractor) PageCount(_ context.Context, _ extract.Source) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PageCountErr != nil {
		return 0, e.PageCountErr
	}
	if e.PageCountValue > 0 {
		return e.PageCountValue, nil
	}
	return len(e.Pages), nil
}

// ExtractPage records the call, optionally blocks, and returns the configured
// words or error for page.
func (e *Extractor) ExtractPage(ctx context.Context, src extract.Source, page int) ([]types.TextUnit, error) {
	e.mu.Lock()
	e.ExtractPageCalls = append(e.ExtractPageCalls, ExtractPageCall{Source: src.Name, Page: page})
	block, started := e.Block, e.Started
	e.mu.Unlock()

	if started != nil {
		started <- page
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.PageErrs[page]; err != nil {
		return nil, err
	}
	words, ok := e.Pages[page]
	if !ok {
		return nil, fmt.Errorf("%w: %d", extract.ErrPageOutOfRange, page)
	}
	units := make([]types.TextUnit, len(words))
	for i, w := range words {
		units[i] = types.TextUnit{Text: w, Box: types.Rect{X: float64(10 * i), Y: 10, Width: 8, Height: 10}}
	}
	return extract.Number(units, page), nil
}

// HasContent reports Content[page], defaulting to true.
func (e *Extractor) HasContent(_ context.Context, _ extract.Source, page int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.HasContentCalls++
	if v, ok := e.Content[page]; ok {
		return v, nil
	}
	return true, nil
}

// Calls returns the number of ExtractPage calls for page. Thread-safe.
func (e *Extractor) Calls(page int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.ExtractPageCalls {
		if c.Page == page {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls. Thread-safe.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractPageCalls = nil
	e.HasContentCalls = 0
}
