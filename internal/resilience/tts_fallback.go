package resilience

import (
	"context"

	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over across several backends.
// Failover happens when an utterance begins; once a stream is handed out,
// mid-stream errors belong to the caller.
type TTSFallback struct {
	group   *FallbackGroup[tts.Provider]
	metrics *observe.Metrics
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: observe.DefaultMetrics(),
	}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Begin starts the utterance on the first healthy backend. A voice bound to
// a named backend is dropped when another backend serves the request, so
// the fallback speaks with its own default voice.
func (f *TTSFallback) Begin(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return ExecuteWithResult(f.group, func(name string, p tts.Provider) (tts.Stream, error) {
		r := req
		if r.Voice.Provider != "" && r.Voice.Provider != name {
			r.Voice = tts.VoiceProfile{SpeedFactor: req.Voice.SpeedFactor}
		}
		s, err := p.Begin(ctx, r)
		f.record(ctx, name, "begin", err)
		return s, err
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(name string, p tts.Provider) ([]tts.VoiceProfile, error) {
		voices, err := p.ListVoices(ctx)
		f.record(ctx, name, "list_voices", err)
		return voices, err
	})
}

func (f *TTSFallback) record(ctx context.Context, name, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	f.metrics.RecordProviderRequest(ctx, name, "tts_"+op, status)
}
