package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Neeleshn20/spokensense/internal/timing"
)

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultCachePath = "spokensense-cache.db"
	DefaultChunk     = 20 * time.Millisecond

	// DefaultPlayerCommand plays raw PCM through ALSA.
	DefaultPlayerCommand = "aplay -q -t raw -f S16_LE -r {rate} -c {channels}"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"extract": {"pdf", "poppler"},
	"tts":     {"coqui", "elevenlabs", "openai", "command", "mock"},
	"audio":   {"command", "wavfile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills empty fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Cache.Store == "" {
		cfg.Cache.Store = StoreSQLite
	}
	if cfg.Cache.Store == StoreSQLite && cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath
	}
	if cfg.Extract.Primary.Name == "" {
		cfg.Extract.Primary.Name = "pdf"
	}
	if cfg.Audio.Name == "" {
		cfg.Audio.Name = "command"
	}
	if cfg.Audio.Name == "command" && cfg.Audio.Command == "" {
		cfg.Audio.Command = DefaultPlayerCommand
	}
	if cfg.Timing == (timing.RateModel{}) {
		cfg.Timing = timing.DefaultRateModel()
	}
	if cfg.Playback.Chunk == 0 {
		cfg.Playback.Chunk = DefaultChunk
	}
	if cfg.Telemetry.Traces == "" {
		cfg.Telemetry.Traces = TracesNone
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Cache
	switch {
	case cfg.Cache.Store != "" && !cfg.Cache.Store.IsValid():
		errs = append(errs, fmt.Errorf("cache.store %q is invalid; valid values: memory, sqlite, postgres", cfg.Cache.Store))
	case cfg.Cache.Store == StorePostgres && cfg.Cache.PostgresDSN == "":
		errs = append(errs, errors.New("cache.postgres_dsn is required when cache.store is postgres"))
	case cfg.Cache.Store == StoreSQLite && cfg.Cache.Path == "":
		errs = append(errs, errors.New("cache.path is required when cache.store is sqlite"))
	}
	for field, v := range map[string]int{
		"cache.page_capacity":     cfg.Cache.PageCapacity,
		"cache.document_capacity": cfg.Cache.DocumentCapacity,
		"cache.prefetch_workers":  cfg.Cache.PrefetchWorkers,
		"bus.queue_size":          cfg.Bus.QueueSize,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", field, v))
		}
	}
	if cfg.Cache.ExtractTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache.extract_timeout must not be negative, got %s", cfg.Cache.ExtractTimeout))
	}

	// Extractors
	if cfg.Extract.Primary.Name == "" {
		errs = append(errs, errors.New("extract.primary.name is required"))
	}
	validateProviderName("extract", cfg.Extract.Primary.Name)
	validateProviderName("extract", cfg.Extract.Fallback.Name)
	if cfg.Extract.Fallback.Name != "" && cfg.Extract.Fallback.Name == cfg.Extract.Primary.Name {
		slog.Warn("extract.fallback is the same engine as extract.primary; it will rarely help",
			"name", cfg.Extract.Fallback.Name)
	}

	// TTS
	if len(cfg.TTS.Providers) == 0 {
		errs = append(errs, errors.New("tts.providers needs at least one entry"))
	}
	seen := make(map[string]int, len(cfg.TTS.Providers))
	for i, p := range cfg.TTS.Providers {
		prefix := fmt.Sprintf("tts.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tts.providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName("tts", p.Name)
		if p.Name == "command" && p.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required for the command provider", prefix))
		}
	}
	if v := cfg.TTS.Voice; v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("tts.voice.speed_factor %.2f is out of range [0.5, 2.0]", v.SpeedFactor))
	}
	if v := cfg.TTS.Voice; v.Provider != "" && len(cfg.TTS.Providers) > 0 {
		if _, ok := seen[v.Provider]; !ok {
			slog.Warn("tts.voice.provider does not name a configured provider; the voice will be ignored by others",
				"voice_provider", v.Provider)
		}
	}
	if b := cfg.TTS.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("tts.breaker values must not be negative"))
	}

	// Audio
	validateProviderName("audio", cfg.Audio.Name)
	if cfg.Audio.Name == "wavfile" && cfg.Audio.OptString("dir") == "" {
		errs = append(errs, errors.New("audio.options.dir is required for the wavfile device"))
	}

	// Timing
	if err := cfg.Timing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("timing: %w", err))
	}

	// Playback
	if cfg.Playback.Chunk != 0 && (cfg.Playback.Chunk < time.Millisecond || cfg.Playback.Chunk > time.Second) {
		errs = append(errs, fmt.Errorf("playback.chunk %s is out of range [1ms, 1s]", cfg.Playback.Chunk))
	}

	// Telemetry
	if t := cfg.Telemetry.Traces; t != "" && !t.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.traces %q is invalid; valid values: none, stdout, otlp", t))
	}
	if cfg.Telemetry.Traces == TracesOTLP && cfg.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry.traces is otlp"))
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %g is out of range (0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
