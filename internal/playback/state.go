package playback

import (
	"fmt"
	"time"

	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Paused
	Stopping
)

var stateNames = [...]string{"idle", "loading", "playing", "paused", "stopping"}

// String returns the lower-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Target is what to read aloud. Exactly one of Document and Text is set.
type Target struct {
	// Document and the inclusive page range [FirstPage, LastPage] select
	// document pages. Each page becomes one utterance.
	Document  *cache.Document
	FirstPage int
	LastPage  int

	// Text is free text, such as a generated answer, spoken as a single
	// utterance without highlighting.
	Text string

	// Resume, when set, starts at that unit instead of the beginning of
	// FirstPage. Its page must lie in the range.
	Resume *types.Position
}

// Validate reports whether t can be played.
func (t Target) Validate() error {
	switch {
	case t.Document == nil && t.Text == "":
		return fmt.Errorf("%w: no document or text", ErrInvalidTarget)
	case t.Document != nil && t.Text != "":
		return fmt.Errorf("%w: both document and text given", ErrInvalidTarget)
	case t.Document == nil:
		return nil
	}
	n := t.Document.PageCount()
	if t.FirstPage < 0 || t.LastPage < t.FirstPage || t.LastPage >= n {
		return fmt.Errorf("%w: page range [%d, %d] outside document of %d pages", ErrInvalidTarget, t.FirstPage, t.LastPage, n)
	}
	if r := t.Resume; r != nil {
		if r.Page < t.FirstPage || r.Page > t.LastPage || r.Unit < 0 {
			return fmt.Errorf("%w: resume position %d/%d outside range", ErrInvalidTarget, r.Page, r.Unit)
		}
	}
	return nil
}

// pages returns the pages still to speak, starting at the resume page.
func (t Target) pages() []int {
	if t.Document == nil {
		return []int{types.NoPage}
	}
	first := t.FirstPage
	if t.Resume != nil {
		first = t.Resume.Page
	}
	out := make([]int, 0, t.LastPage-first+1)
	for p := first; p <= t.LastPage; p++ {
		out = append(out, p)
	}
	return out
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       State         `json:"state"`
	UtteranceID string        `json:"utterance_id,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Page        int           `json:"page"`
	Elapsed     time.Duration `json:"elapsed_ns"`

	// Active is the index of the highlighted unit, or -1.
	Active int `json:"active"`

	// Units is the number of units in the current utterance.
	Units int `json:"units"`

	// QueuedPages lists pages not yet loaded.
	QueuedPages []int `json:"queued_pages"`

	// Position is where a later play could resume, when known.
	Position *types.Position `json:"position,omitempty"`

	LastError *Error `json:"-"`
}
