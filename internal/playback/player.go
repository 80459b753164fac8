package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// playerExit is the audio task's final report.
type playerExit struct {
	gen  uint64
	kind ErrorKind // zero on normal completion or stop
	op   string
	err  error
}

// player is the audio task of one utterance. It pulls frames from the
// synthesis stream, keeps every received byte so seeks can go backwards,
// and writes fixed-size chunks to the sink. The audio clock is the number of
// bytes the sink has accepted.
type player struct {
	gen     uint64
	ctx     context.Context
	stream  tts.Stream
	sink    audio.Sink
	format  audio.Format
	conv    *audio.FormatConverter
	chunk   int
	metrics *observe.Metrics
	begun   time.Time

	mu     sync.Mutex
	pcm    []byte
	cursor int
	seekTo int // -1 when no seek is pending

	clock atomic.Int64

	wake    chan struct{}
	ticks   chan struct{}
	ended   chan time.Duration
	exit    chan playerExit
	stopped chan struct{}
}

func newPlayer(ctx context.Context, gen uint64, stream tts.Stream, sink audio.Sink, chunk time.Duration, m *observe.Metrics) *player {
	f := sink.Format()
	return &player{
		gen:     gen,
		ctx:     ctx,
		stream:  stream,
		sink:    sink,
		format:  f,
		conv:    &audio.FormatConverter{Target: f},
		chunk:   f.ChunkSize(chunk),
		metrics: m,
		begun:   time.Now(),
		seekTo:  -1,
		wake:    make(chan struct{}, 1),
		ticks:   make(chan struct{}, 1),
		ended:   make(chan time.Duration, 1),
		exit:    make(chan playerExit, 1),
		stopped: make(chan struct{}),
	}
}

// Elapsed returns the audio clock.
func (p *player) Elapsed() time.Duration {
	return p.format.Duration(p.clock.Load())
}

// Seek moves playback to d. The clock jumps at once; a write already in
// flight is not counted.
func (p *player) Seek(d time.Duration) {
	off := int(p.format.Offset(d))
	p.mu.Lock()
	p.seekTo = off
	p.clock.Store(int64(off))
	p.mu.Unlock()
	signal(p.wake)
	signal(p.ticks)
}

func (p *player) run() {
	defer close(p.stopped)
	ex := p.loop()
	ex.gen = p.gen
	p.exit <- ex
}

func (p *player) loop() playerExit {
	frames := p.stream.Frames()
	first := true
	for {
		// Take whatever synthesis has produced without waiting.
		for drained := false; frames != nil && !drained; {
			select {
			case f, ok := <-frames:
				if !ok {
					frames = nil
					if ex, failed := p.streamEnded(); failed {
						return ex
					}
					break
				}
				p.receive(f, &first)
			default:
				drained = true
			}
		}

		if chunk := p.next(); chunk != nil {
			if _, err := p.sink.Write(chunk); err != nil {
				if p.ctx.Err() != nil {
					return playerExit{}
				}
				return playerExit{kind: KindDeviceError, op: "write", err: err}
			}
			p.advance(len(chunk))
			continue
		}

		if frames == nil {
			return playerExit{}
		}
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				if ex, failed := p.streamEnded(); failed {
					return ex
				}
				continue
			}
			p.receive(f, &first)
		case <-p.wake:
		case <-p.ctx.Done():
			return playerExit{}
		}
	}
}

func (p *player) receive(f []byte, first *bool) {
	if *first {
		*first = false
		p.metrics.SynthesisLatency.Record(p.ctx, time.Since(p.begun).Seconds())
	}
	pcm := p.conv.Convert(f, p.stream.Format())
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	p.pcm = append(p.pcm, pcm...)
	p.mu.Unlock()
}

// streamEnded reports the real audio length, or a synthesis failure.
func (p *player) streamEnded() (playerExit, bool) {
	if err := p.stream.Err(); err != nil && p.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return playerExit{kind: KindSynthesisFailed, op: "synthesize", err: err}, true
	}
	p.mu.Lock()
	total := p.format.Duration(int64(len(p.pcm)))
	p.mu.Unlock()
	p.ended <- total
	return playerExit{}, false
}

// next returns the next chunk to write, or nil when the cursor has caught
// up with the received audio.
func (p *player) next() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seekTo >= 0 {
		p.cursor = p.seekTo
		p.seekTo = -1
	}
	if p.cursor >= len(p.pcm) {
		return nil
	}
	end := min(p.cursor+p.chunk, len(p.pcm))
	return p.pcm[p.cursor:end]
}

func (p *player) advance(n int) {
	p.mu.Lock()
	if p.seekTo < 0 {
		p.cursor += n
		p.clock.Store(int64(p.cursor))
	}
	p.mu.Unlock()
	signal(p.ticks)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
