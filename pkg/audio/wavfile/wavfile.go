// Package wavfile records played audio to WAV files. Each opened sink
// writes one file, which makes it usable both as a headless output device
// and for capturing what a session spoke.
package wavfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Option configures a [Device].
type Option func(*Device)

// WithRealtime paces writes to real time, so playback behaves like a sound
// card. Without it, writes complete as fast as the disk allows.
func WithRealtime(lead time.Duration) Option {
	return func(d *Device) {
		d.realtime = true
		d.lead = lead
	}
}

// WithNamer sets the function that names the file for the n-th opened sink
// (starting at 1). Defaults to "utterance-0001.wav" and so on.
func WithNamer(fn func(n int) string) Option {
	return func(d *Device) { d.namer = fn }
}

// Device writes each sink to a new file in a directory.
type Device struct {
	dir      string
	realtime bool
	lead     time.Duration
	namer    func(n int) string

	mu    sync.Mutex
	count int
	files []string
}

// New returns a Device writing into dir, creating it if needed.
func New(dir string, opts ...Option) (*Device, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", dir, err)
	}
	d := &Device{
		dir:   dir,
		namer: func(n int) string { return fmt.Sprintf("utterance-%04d.wav", n) },
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Files returns the paths of all files created so far.
func (d *Device) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.files...)
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, f audio.Format) (audio.Sink, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.count++
	path := filepath.Join(d.dir, d.namer(d.count))
	d.files = append(d.files, path)
	d.mu.Unlock()

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	s := &Sink{
		path:    path,
		file:    file,
		enc:     wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1),
		format:  f,
		done:    make(chan struct{}),
		resumed: make(chan struct{}),
	}
	close(s.resumed)
	if d.realtime {
		s.pacer = audio.NewPacer(f, d.lead)
	}
	return s, nil
}

// Sink is one WAV file being written.
type Sink struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	pacer  *audio.Pacer

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

// Path returns the file the sink writes to.
func (s *Sink) Path() string { return s.path }

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Sink) Write(p []byte) (int, error) {
	if len(p)%audio.BytesPerSample != 0 {
		return 0, fmt.Errorf("wavfile: pcm payload not aligned (%d bytes)", len(p))
	}
	if s.pacer != nil {
		if err := s.pacer.Pace(len(p), s.done); err != nil {
			return 0, err
		}
	} else {
		s.mu.Lock()
		resumed := s.resumed
		s.mu.Unlock()
		select {
		case <-s.done:
			return 0, audio.ErrClosed
		case <-resumed:
		}
	}

	samples := make([]int, len(p)/audio.BytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return 0, audio.ErrClosed
	default:
	}
	if err := s.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("wavfile: write: %w", err)
	}
	return len(p), nil
}

// Pause implements [audio.Sink].
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil
	}
	s.paused = true
	s.resumed = make(chan struct{})
	if s.pacer != nil {
		s.pacer.Pause()
	}
	return nil
}

// Resume implements [audio.Sink].
func (s *Sink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	s.paused = false
	close(s.resumed)
	if s.pacer != nil {
		s.pacer.Resume()
	}
	return nil
}

// Flush implements [audio.Sink]. Written samples stay in the file.
func (s *Sink) Flush() error {
	if s.pacer != nil {
		s.pacer.Reset()
	}
	return nil
}

// Close implements [audio.Sink]. It finalises the WAV header.
func (s *Sink) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.enc.Close(); err != nil {
			s.err = fmt.Errorf("wavfile: finalise %s: %w", s.path, err)
		}
		if err := s.file.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("wavfile: close %s: %w", s.path, err)
		}
	})
	return s.err
}
