// Package types defines the shared types used across all SpokenSense packages.
//
// These types form the lingua franca between the extraction cache, the timing
// estimator, the playback controller and the highlight bus. Each package keeps
// its own domain types; cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"fmt"
	"time"
)

// NoPage is the page index carried by text units that do not belong to a
// document page (for example the words of a generated answer).
const NoPage = -1

// Rect is a page-relative rectangle in PDF points with the origin at the
// top-left corner of the page. The playback engine never interprets geometry;
// it forwards rectangles to observers unchanged.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsZero reports whether r carries no geometry.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// TextUnit is a single highlightable token, typically a word.
type TextUnit struct {
	// Index is the 0-based position within the page. Indices are contiguous and
	// never reassigned once extraction has produced them.
	Index int `json:"index"`

	// Text is the literal content.
	Text string `json:"text"`

	// Box is the page-relative bounding box. Zero for units without geometry.
	Box Rect `json:"box"`

	// Page is the owning page, or [NoPage].
	Page int `json:"page"`
}

// Confidence tags how a unit's time range was obtained.
type Confidence int

const (
	// Estimated ranges come from the rate model.
	Estimated Confidence = iota

	// Confirmed ranges were reported by the synthesis service.
	Confirmed
)

// String returns the lower-case name of c.
func (c Confidence) String() string {
	switch c {
	case Estimated:
		return "estimated"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("confidence(%d)", int(c))
	}
}

// TimedUnit is a [TextUnit] with a playback range relative to the start of its
// utterance. Start < End holds for every unit, and Start is non-decreasing in
// Index order.
type TimedUnit struct {
	TextUnit

	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence Confidence    `json:"confidence"`
}

// Contains reports whether elapsed falls inside the half-open range [Start, End).
func (u TimedUnit) Contains(elapsed time.Duration) bool {
	return elapsed >= u.Start && elapsed < u.End
}

// Page is the extraction result for one page of a document together with its
// provenance.
type Page struct {
	// Index is the 0-based page number.
	Index int `json:"index"`

	// Units holds the ordered text units of the page.
	Units []TextUnit `json:"units"`

	// Engine names the extractor that produced Units.
	Engine string `json:"engine"`

	// Fallback is true when Units came from the secondary extractor.
	Fallback bool `json:"fallback"`
}

// Words returns the literal text of every unit in order.
func (p Page) Words() []string {
	words := make([]string, len(p.Units))
	for i, u := range p.Units {
		words[i] = u.Text
	}
	return words
}

// Position identifies a resume point inside a document.
type Position struct {
	Page int `json:"page"`
	Unit int `json:"unit"`
}
