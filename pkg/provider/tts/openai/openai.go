// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested as raw PCM (24 kHz, 16-bit, mono) and streamed from the
// response body as it arrives. The API reports no word positions, so streams
// carry no timings.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

const (
	// DefaultModel is the default speech model.
	DefaultModel = "gpt-4o-mini-tts"

	// DefaultVoice is used when a request carries no voice.
	DefaultVoice = "alloy"

	readChunk = 4096
)

// Format is the PCM format of the API's "pcm" response format.
var Format = audio.Format{SampleRate: 24000, Channels: 1}

// builtinVoices is the catalogue reported by ListVoices; the API offers no
// voice listing endpoint.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

type config struct {
	baseURL      string
	instructions string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithInstructions sets speaking-style instructions for models that accept
// them.
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// WithTimeout sets a per-request HTTP timeout covering the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI speech Provider. If model is empty,
// DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// Begin implements tts.Provider. The request is sent before Begin returns so
// that authentication and quota errors surface immediately.
func (p *Provider) Begin(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = DefaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          req.Text(),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if req.Voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(req.Voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}

	pipe := tts.NewPipe(ctx, Format, tts.DefaultFrameBuffer, -1)
	resp, err := p.client.Audio.Speech.New(pipe.Context(), params)
	if err != nil {
		pipe.Cancel()
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}

	go func() {
		defer resp.Body.Close()
		pipe.Finish(pump(pipe, resp.Body))
	}()
	return pipe, nil
}

// pump copies the body into the pipe in sample-aligned chunks.
func pump(pipe *tts.Pipe, body io.Reader) error {
	buf := make([]byte, readChunk)
	carry := 0
	for {
		n, err := body.Read(buf[carry:])
		n += carry
		aligned := n - n%audio.BytesPerSample
		if aligned > 0 {
			frame := make([]byte, aligned)
			copy(frame, buf[:aligned])
			if !pipe.Send(frame) {
				return pipe.Context().Err()
			}
		}
		carry = copy(buf, buf[aligned:n])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := pipe.Context().Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("openai tts: read audio: %w", err)
		}
	}
}

// ListVoices returns the built-in voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, tts.VoiceProfile{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return out, nil
}
