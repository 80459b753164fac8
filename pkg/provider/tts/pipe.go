package tts

import (
	"context"
	"sync"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

// DefaultFrameBuffer is the frame channel depth used by adapters.
const DefaultFrameBuffer = 64

// Pipe is the [Stream] implementation shared by adapters. The adapter
// goroutine produces with Send and SendTiming and ends with Finish; the
// consumer sees the Stream side.
type Pipe struct {
	format  audio.Format
	frames  chan []byte
	timings chan Timing
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	err      error
	finished bool
}

var _ Stream = (*Pipe)(nil)

// NewPipe creates a pipe whose lifetime is bound to ctx. timingCap is the
// timing channel capacity; pass the word count to guarantee timing never
// blocks audio, or a negative value when the engine reports no timing.
func NewPipe(ctx context.Context, format audio.Format, frameBuf, timingCap int) *Pipe {
	if frameBuf <= 0 {
		frameBuf = DefaultFrameBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipe{
		format: format,
		frames: make(chan []byte, frameBuf),
		ctx:    ctx,
		cancel: cancel,
	}
	if timingCap >= 0 {
		p.timings = make(chan Timing, timingCap)
	}
	return p
}

// Context is cancelled when the consumer cancels the stream. Producers pass
// it to their network and process calls.
func (p *Pipe) Context() context.Context { return p.ctx }

// Send delivers one frame. It returns false when the stream was cancelled.
func (p *Pipe) Send(frame []byte) bool {
	if len(frame) == 0 {
		return p.ctx.Err() == nil
	}
	select {
	case p.frames <- frame:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendTiming delivers one timing without blocking. Timings beyond the
// channel capacity are dropped; the controller falls back to its estimate.
func (p *Pipe) SendTiming(t Timing) {
	if p.timings == nil {
		return
	}
	select {
	case p.timings <- t:
	default:
	}
}

// Finish ends the stream with err (nil for success). Only the first call
// has an effect.
func (p *Pipe) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if err == nil && p.ctx.Err() != nil {
		err = p.ctx.Err()
	}
	p.err = err
	close(p.frames)
	if p.timings != nil {
		close(p.timings)
	}
}

// Format implements [Stream].
func (p *Pipe) Format() audio.Format { return p.format }

// Frames implements [Stream].
func (p *Pipe) Frames() <-chan []byte { return p.frames }

// Timings implements [Stream]. A nil channel is returned as a nil
// receive-only channel.
func (p *Pipe) Timings() <-chan Timing {
	if p.timings == nil {
		return nil
	}
	return p.timings
}

// Err implements [Stream].
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cancel implements [Stream].
func (p *Pipe) Cancel() { p.cancel() }
