package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Sink] methods after Close.
var ErrClosed = errors.New("audio: sink closed")

// Device opens output sinks. The playback controller opens one sink per
// utterance and closes it when the utterance ends or is stopped.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open prepares the device to accept PCM in format f. Implementations may
	// choose a different native format and report it through [Sink.Format];
	// the caller converts before writing.
	Open(ctx context.Context, f Format) (Sink, error)
}

// Sink is an open audio output.
//
// Write, Pause, Resume, Flush and Close may be called from different
// goroutines. Close must unblock a Write that is waiting on the device.
type Sink interface {
	// Format returns the PCM format the sink expects.
	Format() Format

	// Write hands p to the device. It blocks until the device has accepted the
	// data, which is what paces playback in real time.
	Write(p []byte) (int, error)

	// Pause suspends output. Writes issued while paused block until Resume or
	// Close.
	Pause() error

	// Resume continues output after Pause.
	Resume() error

	// Flush drops audio that has been accepted but not yet played. Used when
	// seeking.
	Flush() error

	// Close releases the device. It is idempotent.
	Close() error
}
