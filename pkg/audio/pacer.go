package audio

import (
	"sync"
	"time"
)

// Pacer throttles writes to real time. Sinks that accept data faster than
// it plays (files, large pipes) use it so that Write blocks the way a sound
// card would. Lead is how far ahead of the wall clock writes may run.
//
// A Pacer is safe for concurrent use.
type Pacer struct {
	format Format
	lead   time.Duration
	now    func() time.Time

	mu       sync.Mutex
	start    time.Time
	written  int64
	paused   bool
	pausedAt time.Time
	resumed  chan struct{}
	changed  chan struct{}
}

// NewPacer returns a Pacer for PCM in format f.
func NewPacer(f Format, lead time.Duration) *Pacer {
	resumed := make(chan struct{})
	close(resumed)
	return &Pacer{
		format:  f,
		lead:    lead,
		now:     time.Now,
		resumed: resumed,
		changed: make(chan struct{}),
	}
}

// Pace blocks until n more bytes may be written, then accounts for them.
// It returns [ErrClosed] when done is closed first.
func (p *Pacer) Pace(n int, done <-chan struct{}) error {
	for {
		p.mu.Lock()
		if p.paused {
			resumed := p.resumed
			p.mu.Unlock()
			select {
			case <-done:
				return ErrClosed
			case <-resumed:
				continue
			}
		}
		now := p.now()
		if p.start.IsZero() {
			p.start = now
		}
		wait := p.start.Add(p.format.Duration(p.written) - p.lead).Sub(now)
		if wait <= 0 {
			p.written += int64(n)
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-done:
			t.Stop()
			return ErrClosed
		case <-changed:
			t.Stop()
		case <-t.C:
		}
	}
}

// Pause freezes the clock.
func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.pausedAt = p.now()
	p.resumed = make(chan struct{})
	p.signal()
}

// Resume continues the clock from where Pause froze it.
func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	if !p.start.IsZero() {
		p.start = p.start.Add(p.now().Sub(p.pausedAt))
	}
	p.paused = false
	close(p.resumed)
	p.signal()
}

// Reset forgets everything written so far.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = time.Time{}
	p.written = 0
	p.signal()
}

func (p *Pacer) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
}
