// Package coqui implements [tts.Provider] on top of a Coqui TTS HTTP server.
//
// Two server flavours are supported:
//
//   - [APIModeStandard] (default) talks to the stock Coqui TTS server image:
//     GET /api/tts synthesises, GET /details describes the loaded model.
//   - [APIModeXTTS] talks to the XTTS v2 API server: POST /tts_to_audio/
//     synthesises with a speaker reference, GET /studio_speakers lists voices.
//
// Both answer one request with one WAV file, so Begin cuts the utterance into
// sentences and keeps a few requests in flight ahead of playback. Audio is
// emitted in sentence order. Coqui reports no word positions, so streams carry
// no timings and the controller relies on its estimate.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	stream, err := p.Begin(ctx, tts.Request{Words: words})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/sync/semaphore"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050

	xttsSynthPath    = "/tts_to_audio/"
	xttsSpeakersPath = "/studio_speakers"
	stdSynthPath     = "/api/tts"
	stdDetailsPath   = "/details"

	// lookahead is the number of sentences synthesised ahead of the one
	// being emitted, including it.
	lookahead = 4

	// maxSentenceWords caps a request when the text has no sentence punctuation.
	maxSentenceWords = 40

	// frameBytes is the size of the frames handed to the stream.
	frameBytes = 4096
)

// APIMode selects the Coqui server flavour.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server. A voice ID is required.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server.
	APIModeStandard APIMode = "standard"
)

// ErrVoiceRequired is returned by Begin in XTTS mode when no voice is given.
var ErrVoiceRequired = errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with each request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithFormat sets the PCM format of produced streams. Server audio is
// resampled and remixed to it. Defaults to 22050 Hz mono, the native rate of
// most Coqui models.
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.format = f }
}

// Provider is a Coqui TTS client. It is safe for concurrent use.
type Provider struct {
	base     string
	language string
	mode     APIMode
	format   audio.Format
	client   *http.Client
}

// New returns a provider for the server at serverURL, such as
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		base:     strings.TrimRight(serverURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		format:   audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.format.Validate(); err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return p, nil
}

// Begin starts synthesising req. The first failing request ends the stream
// with its error.
func (p *Provider) Begin(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Voice.ID == "" && p.mode == APIModeXTTS {
		return nil, ErrVoiceRequired
	}

	pipe := tts.NewPipe(ctx, p.format, tts.DefaultFrameBuffer, -1)
	go func() {
		pipe.Finish(p.produce(pipe, splitSentences(req.Words), req.Voice))
	}()
	return pipe, nil
}

// sentenceResult is one sentence's audio, in the provider format.
type sentenceResult struct {
	pcm []byte
	err error
}

// produce synthesises sentences with at most lookahead of them held in
// memory or in flight, and sends their audio to pipe in order.
func (p *Provider) produce(pipe *tts.Pipe, sentences []string, voice tts.VoiceProfile) error {
	ctx, cancel := context.WithCancel(pipe.Context())
	defer cancel()

	sem := semaphore.NewWeighted(lookahead)
	slots := make([]chan sentenceResult, len(sentences))
	for i := range slots {
		slots[i] = make(chan sentenceResult, 1)
	}
	go func() {
		for i, s := range sentences {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, s, voice)
				slots[i] <- sentenceResult{pcm: pcm, err: err}
			}()
		}
	}()

	for _, slot := range slots {
		var r sentenceResult
		select {
		case r = <-slot:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.err != nil {
			return r.err
		}
		for chunk := range slices.Chunk(r.pcm, frameBytes) {
			if !pipe.Send(chunk) {
				return ctx.Err()
			}
		}
		sem.Release(1)
	}
	return nil
}

// synthesize fetches one sentence and returns it in the provider format.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	switch p.mode {
	case APIModeXTTS:
		body, merr := json.Marshal(map[string]string{
			"text":        sentence,
			"speaker_wav": voice.ID,
			"language":    p.language,
		})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.base+xttsSynthPath, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{"text": {sentence}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.base+stdSynthPath+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	buf, err := decodeWAV(body)
	if err != nil {
		return nil, err
	}
	buf = audio.Resample(buf, p.format.SampleRate)
	buf = audio.Remix(buf, p.format.Channels)
	return audio.Encode(buf), nil
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s response: %w", req.URL.Path, err)
	}
	return body, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// decodeWAV returns the samples of a 16-bit PCM WAV file.
func decodeWAV(body []byte) (*goaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(body))
	if !dec.IsValidFile() {
		return nil, errors.New("coqui: response is not a PCM WAV file")
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("coqui: unsupported WAV bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err == nil && buf == nil {
		err = errors.New("no data chunk")
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: decode WAV: %w", err)
	}
	return buf, nil
}

// ListVoices lists the server's voices, sorted by ID. In XTTS mode these are
// the studio speakers. In standard mode a multi-speaker model yields one voice
// per speaker and a single-speaker model yields one voice named after the
// model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.mode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := p.getJSON(ctx, xttsSpeakersPath, &speakers); err != nil {
			return nil, err
		}
		return voices(slices.Sorted(maps.Keys(speakers)), map[string]string{"type": "studio"}), nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := p.getJSON(ctx, stdDetailsPath, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		names := slices.Sorted(slices.Values(details.Speakers))
		return voices(names, map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return voices([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

func voices(names []string, meta map[string]string) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, len(names))
	for i, n := range names {
		out[i] = tts.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: maps.Clone(meta)}
	}
	return out
}

// splitSentences groups words into request texts. A sentence ends after a
// word ending in '.', '!', '?' or '…'. Runs without punctuation are cut every
// maxSentenceWords words.
func splitSentences(words []string) []string {
	var out []string
	var cur []string
	for _, w := range words {
		if w == "" {
			continue
		}
		cur = append(cur, w)
		if endsSentence(w) || len(cur) >= maxSentenceWords {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// endsSentence reports whether w ends with sentence punctuation, ignoring
// closing quotes and brackets.
func endsSentence(w string) bool {
	w = strings.TrimRightFunc(w, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == ']' || r == '»' || r == '”' || r == '’'
	})
	r, _ := utf8.DecodeLastRuneInString(w)
	return r == '.' || r == '!' || r == '?' || r == '…'
}
