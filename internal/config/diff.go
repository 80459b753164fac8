package config

import (
	"fmt"
	"maps"
	"slices"

	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported with their new value; anything else
// that changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TimingChanged bool // the rate model seeds the calibrator anew
	VoiceChanged  bool // applies from the next utterance

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TimingChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Timing != new.Timing {
		d.TimingChanged = true
	}
	if !sameVoice(old.TTS.Voice, new.TTS.Voice) {
		d.VoiceChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !sameServer(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if !sameEntry(old.Extract.Primary, new.Extract.Primary) || !sameEntry(old.Extract.Fallback, new.Extract.Fallback) {
		d.RestartRequired = append(d.RestartRequired, "extract")
	}
	if old.TTS.Breaker != new.TTS.Breaker || !slices.EqualFunc(old.TTS.Providers, new.TTS.Providers, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	if !sameEntry(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameVoice(a, b tts.VoiceProfile) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Provider == b.Provider &&
		a.SpeedFactor == b.SpeedFactor && maps.Equal(a.Metadata, b.Metadata)
}

func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

// sameEntry compares provider entries. Options are compared shallowly by
// their printed form, which is enough for values decoded from YAML.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Command != b.Command || len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || fmt.Sprint(va) != fmt.Sprint(vb) {
			return false
		}
	}
	return true
}
