package playback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Neeleshn20/spokensense/internal/cache"
)

// Sentinel errors. Every [*Error] matches exactly one of them with
// [errors.Is].
var (
	// ErrExtractionFailed is the cache's sentinel: no extractor could read the
	// first page of the requested range.
	ErrExtractionFailed = cache.ErrExtractionFailed

	// ErrSynthesisFailed means the speech backend could not start or
	// continue the utterance.
	ErrSynthesisFailed = errors.New("playback: synthesis failed")

	// ErrDeviceError means the audio output could not be opened or written.
	ErrDeviceError = errors.New("playback: audio device error")

	// ErrInvalidCommand means the command is not valid in the current state.
	// The state is unchanged.
	ErrInvalidCommand = errors.New("playback: invalid command")

	// ErrInvalidTarget means a play request names no text and no document, or
	// a page range outside the document.
	ErrInvalidTarget = errors.New("playback: invalid target")

	// ErrClosed is returned by commands issued after [Controller.Close].
	ErrClosed = errors.New("playback: controller closed")
)

// ErrorKind classifies an [Error].
type ErrorKind int

const (
	KindExtractionFailed ErrorKind = iota + 1
	KindSynthesisFailed
	KindDeviceError
	KindInvalidCommand
)

// String returns the upper-case kind name used in logs and the HTTP API.
func (k ErrorKind) String() string {
	switch k {
	case KindExtractionFailed:
		return "EXTRACTION_FAILED"
	case KindSynthesisFailed:
		return "SYNTHESIS_FAILED"
	case KindDeviceError:
		return "PLAYBACK_DEVICE_ERROR"
	case KindInvalidCommand:
		return "INVALID_TRANSPORT_COMMAND"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindExtractionFailed:
		return ErrExtractionFailed
	case KindSynthesisFailed:
		return ErrSynthesisFailed
	case KindDeviceError:
		return ErrDeviceError
	default:
		return ErrInvalidCommand
	}
}

// Error describes a failed command or a playback that ended abnormally.
type Error struct {
	Kind ErrorKind

	// Op is the command or stage that failed: "play", "pause", "extract",
	// "synthesize", "open", "write".
	Op string

	// State is the controller state when the error was raised.
	State State

	UtteranceID string

	// FirstPage and LastPage describe the requested range; both are -1 for
	// free text.
	FirstPage int
	LastPage  int

	// Page is the page being spoken or loaded, or -1.
	Page int

	// Elapsed is the audio clock of the utterance at failure.
	Elapsed time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "playback: %s: %s", e.Op, e.Kind)
	if e.Kind == KindInvalidCommand {
		fmt.Fprintf(&b, " in state %s", e.State)
	}
	if e.Page >= 0 {
		fmt.Fprintf(&b, " (page %d", e.Page)
		if e.UtteranceID != "" {
			fmt.Fprintf(&b, ", utterance %s at %s", e.UtteranceID, e.Elapsed)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind's sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of err, or zero when err is not a playback error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
