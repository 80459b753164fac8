// Command spokensense is the main entry point for the SpokenSense reading
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Neeleshn20/spokensense/internal/app"
	"github.com/Neeleshn20/spokensense/internal/config"
	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/pkg/audio"
	audiocmd "github.com/Neeleshn20/spokensense/pkg/audio/command"
	"github.com/Neeleshn20/spokensense/pkg/audio/wavfile"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract/pdf"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract/poppler"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
	ttscmd "github.com/Neeleshn20/spokensense/pkg/provider/tts/command"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts/coqui"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/Neeleshn20/spokensense/pkg/provider/tts/mock"
	oatts "github.com/Neeleshn20/spokensense/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "spokensense: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "spokensense: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("spokensense starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	exporter, err := newTraceExporter(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to create trace exporter", "err", err)
		return 1
	}
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		TraceExporter:  exporter,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() {
				_ = w.Run(ctx, func(old, new *config.Config, d config.ConfigDiff) {
					application.ApplyConfig(old, new)
				})
			}()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with SpokenSense. Used for startup logging.
var builtinProviders = map[string][]string{
	"extract": {"pdf", "poppler"},
	"tts":     {"coqui", "elevenlabs", "openai", "command", "mock"},
	"audio":   {"command", "wavfile"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Extraction ────────────────────────────────────────────────────────────

	reg.RegisterExtractor("pdf", func(entry config.ProviderEntry) (extract.Extractor, error) {
		var opts []pdf.Option
		if v := entry.OptFloat("line_tolerance", 0); v > 0 {
			opts = append(opts, pdf.WithLineTolerance(v))
		}
		if v := entry.OptFloat("gap_ratio", 0); v > 0 {
			opts = append(opts, pdf.WithGapRatio(v))
		}
		if v := entry.OptInt("min_content", 0); v > 0 {
			opts = append(opts, pdf.WithMinContent(v))
		}
		return pdf.New(opts...), nil
	})

	reg.RegisterExtractor("poppler", func(entry config.ProviderEntry) (extract.Extractor, error) {
		var opts []poppler.Option
		if entry.Command != "" {
			opts = append(opts, poppler.WithPdftotext(entry.Command))
		}
		if cmd := entry.OptString("pdfinfo"); cmd != "" {
			opts = append(opts, poppler.WithPdfinfo(cmd))
		}
		if dir := entry.OptString("temp_dir"); dir != "" {
			opts = append(opts, poppler.WithTempDir(dir))
		}
		return poppler.New(opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := entry.OptDuration("timeout", 0); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		if f, ok := optFormat(entry); ok {
			opts = append(opts, coqui.WithFormat(f))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if id := entry.OptString("default_voice"); id != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(id))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if s := entry.OptString("instructions"); s != "" {
			opts = append(opts, oatts.WithInstructions(s))
		}
		if d := entry.OptDuration("timeout", 0); d > 0 {
			opts = append(opts, oatts.WithTimeout(d))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("command", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttscmd.Option
		if f, ok := optFormat(entry); ok {
			opts = append(opts, ttscmd.WithFormat(f))
		}
		return ttscmd.New(entry.Command, opts...)
	})

	// mock speaks silence paced by the rate model. It lets the highlight
	// stream be exercised without a speech backend.
	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{
			FramesFunc: func(req tts.Request) [][]byte {
				return [][]byte{ttsmock.Silence(ttsmock.DefaultFormat, silenceFor(req))}
			},
		}, nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("command", func(entry config.ProviderEntry) (audio.Device, error) {
		var opts []audiocmd.Option
		if f, ok := optFormat(entry); ok {
			opts = append(opts, audiocmd.WithFormat(f))
		}
		if d := entry.OptDuration("lead", 0); d > 0 {
			opts = append(opts, audiocmd.WithLead(d))
		}
		if d := entry.OptDuration("close_timeout", 0); d > 0 {
			opts = append(opts, audiocmd.WithCloseTimeout(d))
		}
		return audiocmd.New(entry.Command, opts...)
	})

	reg.RegisterAudio("wavfile", func(entry config.ProviderEntry) (audio.Device, error) {
		var opts []wavfile.Option
		if entry.OptBool("realtime") {
			opts = append(opts, wavfile.WithRealtime(entry.OptDuration("lead", 0)))
		}
		return wavfile.New(entry.OptString("dir"), opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateExtractor(cfg.Extract.Primary)
	if err != nil {
		return nil, fmt.Errorf("create extractor %q: %w", cfg.Extract.Primary.Name, err)
	}
	ps.Extractor = p
	slog.Info("provider created", "kind", "extract", "name", cfg.Extract.Primary.Name)

	if name := cfg.Extract.Fallback.Name; name != "" {
		p, err := reg.CreateExtractor(cfg.Extract.Fallback)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("fallback extractor not available; continuing without it", "name", name)
		case err != nil:
			// A missing poppler install should not stop the primary engine.
			slog.Warn("fallback extractor unavailable; continuing without it", "name", name, "err", err)
		default:
			ps.FallbackExtractor = p
			slog.Info("provider created", "kind", "extract-fallback", "name", name)
		}
	}

	for _, entry := range cfg.TTS.Providers {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = append(ps.TTS, app.NamedTTS{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	d, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device %q: %w", cfg.Audio.Name, err)
	}
	ps.Device = d
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      SpokenSense · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Extract", cfg.Extract.Primary.Name, cfg.Extract.Primary.Model)
	printProvider("Fallback", cfg.Extract.Fallback.Name, "")
	for i, p := range cfg.TTS.Providers {
		kind := "TTS"
		if i > 0 {
			kind = fmt.Sprintf("TTS #%d", i+1)
		}
		printProvider(kind, p.Name, p.Model)
	}
	printProvider("Audio", cfg.Audio.Name, "")
	printProvider("Cache", string(cfg.Cache.Store), "")
	if cfg.Bus.NATS.URL != "" {
		fmt.Printf("║  NATS            : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  NATS            : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Traces          : %-19s ║\n", cfg.Telemetry.Traces)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFormat reads sample_rate and channels from the entry options.
func optFormat(entry config.ProviderEntry) (audio.Format, bool) {
	f := audio.Format{
		SampleRate: entry.OptInt("sample_rate", 0),
		Channels:   entry.OptInt("channels", 1),
	}
	if f.SampleRate == 0 {
		return audio.Format{}, false
	}
	return f, true
}

// silenceFor is roughly how long req would take to read aloud.
func silenceFor(req tts.Request) time.Duration {
	const perChar = 70 * time.Millisecond
	return time.Duration(len(req.Text())) * perChar
}
