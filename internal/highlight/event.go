// Package highlight fans word-highlight events out to observers.
//
// The playback controller publishes an [Event] whenever the spoken word
// changes. Each [Subscription] owns a bounded queue drained by its own
// goroutine, so a slow observer never delays playback or other observers.
// When a queue overflows it is collapsed into a single [Jump] to the newest
// word and the number of folded events is reported in [Event.Coalesced].
package highlight

import (
	"fmt"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// Kind classifies an [Event].
type Kind int

const (
	// Start announces a new utterance. Index is -1.
	Start Kind = iota + 1

	// Advance moves the highlight forward by exactly one word.
	Advance

	// Jump moves the highlight to an arbitrary word: a skip, or several
	// advances folded together for a slow subscriber.
	Jump

	// Clear removes the highlight: the utterance finished or was stopped.
	Clear
)

var kindNames = map[Kind]string{
	Start:   "start",
	Advance: "advance",
	Jump:    "jump",
	Clear:   "clear",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("highlight: unknown kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, s := range kindNames {
		if s == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("highlight: unknown kind %q", b)
}

// Event is one highlight change.
type Event struct {
	// Seq is assigned by [Bus.Publish] and increases by one per event.
	Seq uint64 `json:"seq"`

	Kind        Kind   `json:"kind"`
	UtteranceID string `json:"utterance_id"`

	// Page is the document page, or [types.NoPage].
	Page int `json:"page"`

	// Index is the active word, or -1 for [Start] and [Clear].
	Index int `json:"index"`

	// Unit is the active word with its geometry. Zero for Start and Clear.
	Unit types.TextUnit `json:"unit"`

	// Elapsed is the audio clock when the event was raised.
	Elapsed time.Duration `json:"elapsed_ns"`

	// Coalesced counts events this one replaces for the receiving
	// subscriber. Zero on events delivered as published.
	Coalesced int `json:"coalesced,omitempty"`
}
