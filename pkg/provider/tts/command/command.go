// Package command runs a local speech engine (piper, espeak wrappers and the
// like) as a subprocess speaking a JSON-lines protocol.
//
// For each utterance the engine is started once and receives one JSON request
// on stdin:
//
//	{"text":"The cat sat","words":["The","cat","sat"],"voice":"en_US-amy","speed":1,"sample_rate":22050,"channels":1}
//
// It answers with one JSON object per line on stdout:
//
//	{"pcm_base64":"...","words":[{"index":0,"start_ms":0,"end_ms":210}],"final":false}
//
// pcm_base64 carries raw 16-bit PCM in the requested format. The optional
// words array reports where words fall in the audio, measured from the start
// of the utterance; engines that send it produce confirmed timings. A line
// with "error" set fails the stream.
package command

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// maxLine bounds one protocol line; base64 PCM chunks must fit.
const maxLine = 8 << 20

// Option configures a [Provider].
type Option func(*Provider)

// WithFormat sets the PCM format requested from the engine. Defaults to
// 22050 Hz mono.
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.format = f }
}

// WithVoices sets the catalogue reported by ListVoices. The engine itself is
// not asked.
func WithVoices(voices ...tts.VoiceProfile) Option {
	return func(p *Provider) { p.voices = voices }
}

// Provider implements tts.Provider over a subprocess.
type Provider struct {
	args   []string
	format audio.Format
	voices []tts.VoiceProfile
}

// New parses command and returns a Provider that runs it per utterance.
func New(command string, opts ...Option) (*Provider, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("command: parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command: tts command is empty")
	}
	p := &Provider{args: args, format: audio.Format{SampleRate: 22050, Channels: 1}}
	for _, o := range opts {
		o(p)
	}
	if err := p.format.Validate(); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	return p, nil
}

type request struct {
	Text       string   `json:"text"`
	Words      []string `json:"words"`
	Voice      string   `json:"voice,omitempty"`
	Speed      float64  `json:"speed,omitempty"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

type wordTiming struct {
	Index   int   `json:"index"`
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

type response struct {
	PCMBase64 string       `json:"pcm_base64"`
	Words     []wordTiming `json:"words,omitempty"`
	Final     bool         `json:"final"`
	Error     string       `json:"error,omitempty"`
}

// Begin starts the engine for req.
func (p *Provider) Begin(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(request{
		Text:       req.Text(),
		Words:      req.Words,
		Voice:      req.Voice.ID,
		Speed:      req.Voice.SpeedFactor,
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("command: marshal request: %w", err)
	}

	pipe := tts.NewPipe(ctx, p.format, tts.DefaultFrameBuffer, len(req.Words))
	cmd := exec.CommandContext(pipe.Context(), p.args[0], p.args[1:]...)
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pipe.Cancel()
		return nil, fmt.Errorf("command: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pipe.Cancel()
		return nil, fmt.Errorf("command: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		pipe.Cancel()
		return nil, fmt.Errorf("command: start %s: %w", p.args[0], err)
	}

	go func() {
		// A cancelled engine may leave children holding stdout open.
		stop := context.AfterFunc(pipe.Context(), func() { _ = stdout.Close() })
		defer stop()

		_, werr := stdin.Write(append(data, '\n'))
		stdin.Close()

		rerr := p.read(pipe, bufio.NewScanner(stdout), len(req.Words))
		// Stop an engine that keeps talking after a protocol error.
		if rerr != nil {
			pipe.Cancel()
		}
		waitErr := cmd.Wait()
		switch {
		case pipe.Context().Err() != nil && rerr == nil:
			pipe.Finish(pipe.Context().Err())
		case rerr != nil:
			pipe.Finish(rerr)
		case waitErr != nil:
			pipe.Finish(fmt.Errorf("command: %s: %w%s", p.args[0], waitErr, suffix(stderr.String())))
		case werr != nil:
			pipe.Finish(fmt.Errorf("command: write request: %w", werr))
		default:
			pipe.Finish(nil)
		}
	}()
	return pipe, nil
}

func (p *Provider) read(pipe *tts.Pipe, sc *bufio.Scanner, words int) error {
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("command: decode response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("command: engine: %s", resp.Error)
		}
		for _, w := range resp.Words {
			if w.Index < 0 || w.Index >= words || w.EndMs < w.StartMs {
				continue
			}
			pipe.SendTiming(tts.Timing{
				Index: w.Index,
				Start: time.Duration(w.StartMs) * time.Millisecond,
				End:   time.Duration(w.EndMs) * time.Millisecond,
			})
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("command: decode pcm: %w", err)
			}
			if !pipe.Send(pcm) {
				return nil
			}
		}
		if resp.Final {
			return nil
		}
	}
	if err := sc.Err(); err != nil && pipe.Context().Err() == nil {
		return fmt.Errorf("command: read: %w", err)
	}
	return nil
}

// ListVoices returns the configured catalogue.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, len(p.voices))
	copy(out, p.voices)
	return out, nil
}

func suffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	return ": " + stderr
}
