// Package extract defines the Extractor interface for document text engines.
//
// An extractor turns one page of a document into an ordered sequence of
// [types.TextUnit] values with page-relative geometry. Extractors are
// stateless with respect to documents: every call receives the full
// [Source], and callers are expected to cache results (see internal/cache).
//
// Implementations must be safe for concurrent use and must return the same
// units in the same order for the same source bytes and page.
package extract

import (
	"context"
	"errors"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// ErrPageOutOfRange is returned when a page index is outside the document.
var ErrPageOutOfRange = errors.New("extract: page out of range")

// Source is a document presented to an extractor.
type Source struct {
	// Name is a display name used in logs and error messages. It does not
	// participate in caching.
	Name string

	// Data holds the full document bytes.
	Data []byte
}

// Extractor is the abstraction over a text extraction engine.
type Extractor interface {
	// Name identifies the engine in provenance records and logs.
	Name() string

	// PageCount returns the number of pages in src.
	PageCount(ctx context.Context, src Source) (int, error)

	// ExtractPage returns the ordered text units of the 0-based page. Unit
	// indices are contiguous from zero and every unit carries the page index.
	// A page without text returns an empty slice and a nil error.
	ExtractPage(ctx context.Context, src Source, page int) ([]types.TextUnit, error)
}

// ContentProber is implemented by extractors that can cheaply tell whether a
// page has a non-trivial content stream. Callers use it to decide whether an
// empty extraction result is plausible.
type ContentProber interface {
	HasContent(ctx context.Context, src Source, page int) (bool, error)
}

// Number assigns contiguous indices and the page number to units in place
// and returns them.
func Number(units []types.TextUnit, page int) []types.TextUnit {
	for i := range units {
		units[i].Index = i
		units[i].Page = page
	}
	return units
}
