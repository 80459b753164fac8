// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio and word timings to the playback
// controller and to verify which requests reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Format:    audio.Format{SampleRate: 16000, Channels: 1},
//	    FramesFunc: func(req tts.Request) [][]byte {
//	        return [][]byte{mock.Silence(format, 300*time.Millisecond)}
//	    },
//	}
//	stream, _ := p.Begin(ctx, tts.Request{Words: words})
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// DefaultFormat is used when Provider.Format is zero.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// BeginCall records a single invocation of Begin.
type BeginCall struct {
	// Ctx is the context passed to Begin.
	Ctx context.Context
	// Request is the request passed to Begin.
	Request tts.Request
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Format is the stream format. DefaultFormat when zero.
	Format audio.Format

	// Frames is emitted by every stream when FramesFunc is nil.
	Frames [][]byte

	// FramesFunc, when set, computes the frames for each request.
	FramesFunc func(req tts.Request) [][]byte

	// Timings, when non-nil, enables the timing channel and is delivered
	// before the first frame.
	Timings []tts.Timing

	// TimingsFunc, when set, computes timings per request and enables the
	// timing channel.
	TimingsFunc func(req tts.Request) []tts.Timing

	// BeginErr, if non-nil, is returned from Begin.
	BeginErr error

	// StreamErr, if non-nil, ends every stream after its frames.
	StreamErr error

	// Gate, when non-nil, must deliver one value before each frame.
	Gate chan struct{}

	// HoldOpen keeps streams open after their frames until cancelled,
	// simulating a synthesis that is still running.
	HoldOpen bool

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// BeginCalls records every call to Begin in order.
	BeginCalls []BeginCall

	// Streams records every stream returned by Begin in order.
	Streams []*Stream

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// Stream is the stream handed out by Provider. It records cancellation.
type Stream struct {
	*tts.Pipe
	cancelled atomic.Bool
}

// Cancel implements tts.Stream.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.Pipe.Cancel()
}

// Cancelled reports whether Cancel was called.
func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

// Begin implements tts.Provider.
func (p *Provider) Begin(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	p.BeginCalls = append(p.BeginCalls, BeginCall{Ctx: ctx, Request: req})
	if p.BeginErr != nil {
		err := p.BeginErr
		p.mu.Unlock()
		return nil, err
	}
	format := p.Format
	if format == (audio.Format{}) {
		format = DefaultFormat
	}
	frames := p.Frames
	if p.FramesFunc != nil {
		frames = p.FramesFunc(req)
	}
	timings := p.Timings
	if p.TimingsFunc != nil {
		timings = p.TimingsFunc(req)
	}
	timingCap := -1
	if timings != nil {
		timingCap = len(timings)
	}
	gate, hold, streamErr := p.Gate, p.HoldOpen, p.StreamErr

	s := &Stream{Pipe: tts.NewPipe(ctx, format, len(frames)+1, timingCap)}
	p.Streams = append(p.Streams, s)
	p.mu.Unlock()

	go func() {
		for _, tm := range timings {
			s.SendTiming(tm)
		}
		for _, f := range frames {
			if gate != nil {
				select {
				case <-gate:
				case <-s.Context().Done():
					s.Finish(nil)
					return
				}
			}
			if !s.Send(f) {
				s.Finish(nil)
				return
			}
		}
		if hold {
			<-s.Context().Done()
		}
		s.Finish(streamErr)
	}()
	return s, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.ListVoicesResult, nil
}

// Calls returns the number of Begin calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.BeginCalls)
}

// LastStream returns the most recent stream, or nil.
func (p *Provider) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Streams) == 0 {
		return nil
	}
	return p.Streams[len(p.Streams)-1]
}

// Requests returns a copy of all requests passed to Begin.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.BeginCalls))
	for i, c := range p.BeginCalls {
		out[i] = c.Request
	}
	return out
}

// Reset clears all recorded calls. Configuration is unchanged.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BeginCalls = nil
	p.Streams = nil
	p.ListVoicesCalls = nil
}

// Silence returns d of zeroed PCM in format f.
func Silence(f audio.Format, d time.Duration) []byte {
	return make([]byte, f.Offset(d))
}
