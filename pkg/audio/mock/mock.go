// Package mock provides an in-memory [audio.Device] for use in unit tests.
//
// The mock sink records every write and lifecycle call. Writes can be gated so
// tests control how fast the audio clock advances: when Gate is non-nil each
// Write waits for one receive from it (or for Close).
//
// Typical usage:
//
//	dev := &mock.Device{}
//	sink, _ := dev.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	sink.Write(pcm)
//	dev.Last().Written()
package mock

import (
	"context"
	"sync"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Format overrides the format reported by opened sinks. The requested
	// format is used when zero.
	Format audio.Format

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// WriteErr is returned by every Write of subsequently opened sinks.
	WriteErr error

	// FailAfter makes Write return WriteErr only after this many successful
	// bytes. Zero fails the first write.
	FailAfter int

	// FlushErr is returned by Flush of subsequently opened sinks.
	FlushErr error

	// Gate, when non-nil, is shared by opened sinks: each Write consumes one
	// value from it before accepting data.
	Gate chan struct{}

	// Opened records every sink returned by Open.
	Opened []*Sink

	// OpenCalls records the format passed to each Open call.
	OpenCalls []audio.Format
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, f audio.Format) (audio.Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, f)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Format != (audio.Format{}) {
		f = d.Format
	}
	s := &Sink{
		format:    f,
		gate:      d.Gate,
		writeErr:  d.WriteErr,
		failAfter: d.FailAfter,
		flushErr:  d.FlushErr,
		closed:    make(chan struct{}),
		resumed:   make(chan struct{}),
	}
	close(s.resumed)
	d.Opened = append(d.Opened, s)
	return s, nil
}

// Last returns the most recently opened sink, or nil.
func (d *Device) Last() *Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Opened) == 0 {
		return nil
	}
	return d.Opened[len(d.Opened)-1]
}

// OpenSinks returns the number of sinks that have not been closed.
func (d *Device) OpenSinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.Opened {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Opened = nil
	d.OpenCalls = nil
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	format    audio.Format
	gate      chan struct{}
	writeErr  error
	failAfter int
	flushErr  error

	mu      sync.Mutex
	data    []byte
	writes  int
	paused  bool
	resumed chan struct{}
	closed  chan struct{}
	once    sync.Once

	PauseCalls  int
	ResumeCalls int
	FlushCalls  int
	CloseCalls  int
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Sink) Write(p []byte) (int, error) {
	for {
		s.mu.Lock()
		resumed := s.resumed
		s.mu.Unlock()
		select {
		case <-s.closed:
			return 0, audio.ErrClosed
		case <-resumed:
		}
		if s.gate != nil {
			select {
			case <-s.closed:
				return 0, audio.ErrClosed
			case <-s.gate:
			}
		}
		s.mu.Lock()
		if s.paused {
			// Paused while waiting on the gate; wait again.
			s.mu.Unlock()
			continue
		}
		defer s.mu.Unlock()
		if s.writeErr != nil && len(s.data)+len(p) > s.failAfter {
			return 0, s.writeErr
		}
		s.data = append(s.data, p...)
		s.writes++
		return len(p), nil
	}
}

// Pause implements [audio.Sink].
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCalls++
	if !s.paused {
		s.paused = true
		s.resumed = make(chan struct{})
	}
	return nil
}

// Resume implements [audio.Sink].
func (s *Sink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCalls++
	if s.paused {
		s.paused = false
		close(s.resumed)
	}
	return nil
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCalls++
	return s.flushErr
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Sink) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of all accepted bytes.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Writes returns the number of accepted Write calls.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Paused reports whether the sink is currently paused.
func (s *Sink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Counts returns the pause, resume, flush and close call counts.
func (s *Sink) Counts() (pause, resume, flush, closeCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PauseCalls, s.ResumeCalls, s.FlushCalls, s.CloseCalls
}
