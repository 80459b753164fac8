// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a local Coqui server, a
// command-line engine such as piper, or a cloud API) and presents a uniform
// streaming interface. [Provider.Begin] starts synthesizing one utterance and
// returns a [Stream] of raw PCM frames as they become available. Engines that
// can report where each word falls in the audio also deliver [Timing] values;
// the playback controller uses them to correct its estimates.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

// ErrEmptyRequest is returned by Begin when the request has no words.
var ErrEmptyRequest = errors.New("tts: request has no words")

// Request is one utterance to synthesize.
type Request struct {
	// Words are the text units in reading order. Timing indices refer to
	// positions in this slice.
	Words []string

	// Voice selects the voice. A zero value means the provider default.
	Voice VoiceProfile
}

// Text joins the words with single spaces.
func (r Request) Text() string {
	return strings.Join(r.Words, " ")
}

// WordAt maps a character (rune) offset in [Request.Text] to the index of
// the word containing it. Offsets on a separating space belong to the
// following word. It returns -1 for offsets outside the text.
func (r Request) WordAt(offset int) int {
	if offset < 0 {
		return -1
	}
	pos := 0
	for i, w := range r.Words {
		end := pos + utf8.RuneCountInString(w)
		if offset < end {
			return i
		}
		pos = end + 1
	}
	return -1
}

// Validate reports whether the request can be synthesized.
func (r Request) Validate() error {
	if len(r.Words) == 0 {
		return ErrEmptyRequest
	}
	return nil
}

// Timing reports where a word lies in the synthesized audio, measured from
// the first byte of the stream.
type Timing struct {
	Index int
	Start time.Duration
	End   time.Duration
}

// Stream is a running synthesis.
//
// Frames is finite and not restartable; it is closed when synthesis ends,
// fails, or is cancelled. Timings is nil when the engine cannot report word
// positions; otherwise it is closed together with Frames and never blocks the
// producer of frames.
type Stream interface {
	// Format is the PCM format of every frame.
	Format() audio.Format

	// Frames delivers PCM in order.
	Frames() <-chan []byte

	// Timings delivers word positions, or is nil.
	Timings() <-chan Timing

	// Err reports why the stream ended. Valid after Frames is closed; nil
	// when synthesis completed.
	Err() error

	// Cancel stops synthesis and releases its resources. Idempotent.
	Cancel()
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Begin starts synthesizing req. It returns an error only if synthesis
	// cannot be started; failures after that surface through [Stream.Err].
	// Cancelling ctx cancels the stream.
	Begin(ctx context.Context, req Request) (Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
