package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/internal/config"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	old.TTS.Voice.Metadata = map[string]string{"accent": "scottish"}
	new.TTS.Voice.Metadata = map[string]string{"accent": "scottish"}
	old.Audio.Options = map[string]any{"lead": "100ms"}
	new.Audio.Options = map[string]any{"lead": "100ms"}

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	new.Server.LogLevel = config.LogDebug
	new.Timing.CharsPerSecond = 12
	new.TTS.Voice = tts.VoiceProfile{ID: "p226", Provider: "coqui"}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.TimingChanged {
		t.Error("timing change not detected")
	}
	if !d.VoiceChanged {
		t.Error("voice change not detected")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_VoiceMetadataChanged(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	old.TTS.Voice.Metadata = map[string]string{"accent": "scottish"}
	new.TTS.Voice.Metadata = map[string]string{"accent": "welsh"}
	if !config.Diff(old, new).VoiceChanged {
		t.Error("metadata change not detected")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		section string
		mutate  func(*config.Config)
	}{
		{"server", func(c *config.Config) { c.Server.ListenAddr = ":1" }},
		{"server", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }},
		{"cache", func(c *config.Config) { c.Cache.PageCapacity = 10 }},
		{"extract", func(c *config.Config) { c.Extract.Fallback.Name = "poppler" }},
		{"tts", func(c *config.Config) { c.TTS.Providers[0].BaseURL = "http://other" }},
		{"tts", func(c *config.Config) { c.TTS.Breaker.ResetTimeout = time.Minute }},
		{"audio", func(c *config.Config) { c.Audio.Options = map[string]any{"lead": "50ms"} }},
		{"playback", func(c *config.Config) { c.Playback.Chunk = 40 * time.Millisecond }},
		{"bus", func(c *config.Config) { c.Bus.NATS.URL = "nats://x" }},
		{"telemetry", func(c *config.Config) { c.Telemetry.Traces = config.TracesStdout }},
	}
	for _, tt := range tests {
		t.Run(tt.section, func(t *testing.T) {
			t.Parallel()
			old, new := validConfig(), validConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tt.section}) {
				t.Errorf("restart required = %v, want [%s]", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.TimingChanged || d.VoiceChanged {
				t.Errorf("unexpected hot change: %+v", d)
			}
		})
	}
}

func TestDiff_LogLevelIsNotAServerRestart(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	new.Server.LogLevel = config.LogError
	d := config.Diff(old, new)
	if slices.Contains(d.RestartRequired, "server") {
		t.Errorf("log level change flagged a restart: %v", d.RestartRequired)
	}
}
