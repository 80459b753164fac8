// Package command plays PCM through an external player process such as
// aplay, paplay or ffplay. Raw PCM is written to the player's stdin.
//
// The command line may contain the placeholders {rate} and {channels}, which
// are replaced with the format of each opened sink:
//
//	dev, err := command.New("aplay -q -t raw -f S16_LE -r {rate} -c {channels}")
//
// On unix, Pause and Resume suspend the player with SIGSTOP and SIGCONT.
// Writes are paced to real time plus a small lead so the audio clock seen
// by the caller tracks what is actually audible.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

const (
	defaultLead         = 100 * time.Millisecond
	defaultCloseTimeout = time.Second
)

// Option configures a [Device].
type Option func(*Device)

// WithFormat forces the sink format regardless of what Open requests. Use it
// for players that only accept one format.
func WithFormat(f audio.Format) Option {
	return func(d *Device) { d.format = f }
}

// WithLead sets how far writes may run ahead of real time. Defaults to 100 ms.
func WithLead(lead time.Duration) Option {
	return func(d *Device) { d.lead = lead }
}

// WithCloseTimeout sets how long Close waits for the player to drain and exit
// before killing it. Defaults to 1 s.
func WithCloseTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.closeTimeout = d }
}

// Device starts one player process per opened sink.
type Device struct {
	args         []string
	format       audio.Format
	lead         time.Duration
	closeTimeout time.Duration
}

// New parses command and returns a Device that runs it.
func New(command string, opts ...Option) (*Device, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("command: parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command: player command is empty")
	}
	d := &Device{
		args:         args,
		lead:         defaultLead,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Args returns the command line for format f with placeholders expanded.
func (d *Device) Args(f audio.Format) []string {
	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(f.SampleRate),
		"{channels}", strconv.Itoa(f.Channels),
	)
	out := make([]string, len(d.args))
	for i, a := range d.args {
		out[i] = r.Replace(a)
	}
	return out
}

// Open implements [audio.Device]. The player outlives ctx; it is stopped by
// [Sink.Close].
func (d *Device) Open(_ context.Context, f audio.Format) (audio.Sink, error) {
	if d.format != (audio.Format{}) {
		f = d.format
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	args := d.Args(f)
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("command: stdin pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command: start %s: %w", args[0], err)
	}
	s := &Sink{
		cmd:          cmd,
		stdin:        stdin,
		stderr:       &stderr,
		format:       f,
		pacer:        audio.NewPacer(f, d.lead),
		closeTimeout: d.closeTimeout,
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	slog.Debug("audio player started", "command", args[0], "pid", cmd.Process.Pid, "format", f.String())
	return s, nil
}

// Sink is a running player process.
type Sink struct {
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stderr       *strings.Builder
	format       audio.Format
	pacer        *audio.Pacer
	closeTimeout time.Duration

	mu       sync.Mutex
	paused   bool
	flushed  bool
	done     chan struct{}
	once     sync.Once
	exited   chan struct{}
	waitErr  error
	closeErr error
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Sink) Write(p []byte) (int, error) {
	if err := s.pacer.Pace(len(p), s.done); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.flushed = false
	s.mu.Unlock()
	n, err := s.stdin.Write(p)
	if err != nil {
		select {
		case <-s.done:
			return n, audio.ErrClosed
		case <-s.exited:
			return n, fmt.Errorf("command: player exited: %w%s", err, s.stderrSuffix())
		default:
			return n, fmt.Errorf("command: write: %w", err)
		}
	}
	return n, nil
}

// Pause implements [audio.Sink].
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil
	}
	s.pacer.Pause()
	s.paused = true
	if err := suspend(s.cmd.Process); err != nil {
		slog.Debug("audio player cannot be suspended", "err", err)
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
	if err := resume(s.cmd.Process); err != nil {
		slog.Debug("audio player cannot be resumed", "err", err)
	}
	s.paused = false
	s.pacer.Resume()
	return nil
}

// Flush implements [audio.Sink]. Audio already in the pipe cannot be taken
// back; a flushed sink is killed rather than drained on Close.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	s.pacer.Reset()
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		paused, flushed := s.paused, s.flushed
		s.mu.Unlock()
		_ = s.stdin.Close()
		if paused {
			_ = resume(s.cmd.Process)
		}
		timeout := s.closeTimeout
		if flushed {
			timeout = 0
		}
		select {
		case <-s.exited:
		case <-time.After(timeout):
			_ = s.cmd.Process.Kill()
			<-s.exited
			return
		}
		var exitErr *exec.ExitError
		if s.waitErr != nil && !errors.As(s.waitErr, &exitErr) {
			s.closeErr = fmt.Errorf("command: wait: %w", s.waitErr)
		}
	})
	return s.closeErr
}

func (s *Sink) stderrSuffix() string {
	msg := strings.TrimSpace(s.stderr.String())
	if msg == "" {
		return ""
	}
	return ": " + msg
}

// limitedWriter keeps the first n bytes of the player's stderr.
type limitedWriter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n > 0 {
		k := min(len(p), l.n)
		_, _ = l.w.Write(p[:k])
		l.n -= k
	}
	return len(p), nil
}
