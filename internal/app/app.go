// Package app wires all SpokenSense subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Neeleshn20/spokensense/internal/api"
	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/internal/config"
	"github.com/Neeleshn20/spokensense/internal/health"
	"github.com/Neeleshn20/spokensense/internal/highlight"
	"github.com/Neeleshn20/spokensense/internal/highlight/natsbridge"
	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/internal/playback"
	"github.com/Neeleshn20/spokensense/internal/resilience"
	"github.com/Neeleshn20/spokensense/internal/timing"
	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// NamedTTS is a speech backend together with its configured name.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// Providers holds the constructed provider instances. Populated by main.go
// via the config registry.
type Providers struct {
	// Extractor is the primary text extraction engine. Required.
	Extractor extract.Extractor

	// FallbackExtractor is tried per page when the primary fails. Optional.
	FallbackExtractor extract.Extractor

	// TTS lists speech backends in preference order. At least one is required.
	TTS []NamedTTS

	// Device is the audio output. Required.
	Device audio.Device
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	store      cache.Store
	cache      *cache.Cache
	bus        *highlight.Bus
	tts        *resilience.TTSFallback
	controller *playback.Controller
	sessions   *SessionManager
	natsConn   *nats.Conn
	publisher  natsbridge.Publisher
	bridge     *natsbridge.Bridge
	server     *http.Server
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a cache store instead of opening the configured one.
func WithStore(s cache.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands New the level variable of the process logger so
// configuration reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithPublisher injects where highlight events are forwarded instead of
// dialing the configured NATS servers.
func WithPublisher(p natsbridge.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection, cache and
// controller construction, reading-state restore and, when configured, the
// NATS connection. Partially built subsystems are released on failure.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.Extractor == nil || providers.Device == nil || len(providers.TTS) == 0 {
		return nil, errors.New("app: an extractor, a tts provider and an audio device are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Store + cache ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 2. Highlight bus ─────────────────────────────────────────────────
	busOpts := []highlight.Option{highlight.WithMetrics(a.metrics)}
	if cfg.Bus.QueueSize > 0 {
		busOpts = append(busOpts, highlight.WithQueueSize(cfg.Bus.QueueSize))
	}
	a.bus = highlight.New(busOpts...)

	// ── 3. Speech backends ───────────────────────────────────────────────
	a.initTTS()

	// ── 4. Playback controller ───────────────────────────────────────────
	a.controller = playback.New(a.cache, a.tts, providers.Device,
		playback.WithPublisher(a.bus),
		playback.WithCalibrator(timing.NewCalibrator(cfg.Timing)),
		playback.WithVoice(cfg.TTS.Voice),
		playback.WithChunk(cfg.Playback.Chunk),
		playback.WithMetrics(a.metrics),
		playback.WithErrorHandler(func(e *playback.Error) {
			slog.Warn("playback stopped on error", "kind", e.Kind.String(), "page", e.Page)
		}),
	)

	// ── 5. Reading sessions ──────────────────────────────────────────────
	a.sessions = NewSessionManager(a.cache, cfg.Playback.StateFile, a.controller.Snapshot)
	if _, err := a.sessions.Restore(ctx); err != nil {
		slog.Warn("could not restore reading state", "err", err)
	}

	// ── 6. NATS bridge ───────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init nats: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured persistent store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Cache.Store {
	case config.StoreMemory:
		a.store = cache.NewMemoryStore()

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Cache.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := cache.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.store = store

	default:
		store, err := cache.OpenSQLite(ctx, a.cfg.Cache.Path)
		if err != nil {
			return err
		}
		a.store = store
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("cache store ready", "kind", a.cfg.Cache.Store)
	return nil
}

func (a *App) initCache() error {
	c := a.cfg.Cache
	opts := []cache.Option{cache.WithStore(a.store), cache.WithMetrics(a.metrics)}
	if a.providers.FallbackExtractor != nil {
		opts = append(opts, cache.WithFallback(a.providers.FallbackExtractor))
	}
	if c.PageCapacity > 0 {
		opts = append(opts, cache.WithPageCapacity(c.PageCapacity))
	}
	if c.DocumentCapacity > 0 {
		opts = append(opts, cache.WithDocumentCapacity(c.DocumentCapacity))
	}
	if c.PrefetchWorkers > 0 {
		opts = append(opts, cache.WithPrefetchWorkers(c.PrefetchWorkers))
	}
	if c.ExtractTimeout > 0 {
		opts = append(opts, cache.WithExtractTimeout(c.ExtractTimeout))
	}
	var err error
	a.cache, err = cache.New(a.providers.Extractor, opts...)
	return err
}

// initTTS puts every configured backend behind one circuit-broken fallback
// chain, primary first.
func (a *App) initTTS() {
	b := a.cfg.TTS.Breaker
	fcfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("tts circuit changed", "provider", name, "from", from.String(), "to", to.String())
		},
	}}
	primary := a.providers.TTS[0]
	a.tts = resilience.NewTTSFallback(primary.Provider, primary.Name, fcfg)
	for _, fb := range a.providers.TTS[1:] {
		a.tts.AddFallback(fb.Name, fb.Provider)
	}
}

// initBridge connects to NATS when configured or when a publisher was
// injected.
func (a *App) initBridge() error {
	n := a.cfg.Bus.NATS
	if a.publisher == nil {
		if n.URL == "" {
			return nil
		}
		conn, err := natsbridge.Connect(natsbridge.Config{
			URL:     n.URL,
			Subject: n.Subject,
			Name:    n.Name,
			Token:   n.Token,
		})
		if err != nil {
			return err
		}
		a.natsConn = conn
		a.publisher = conn
		a.closers = append(a.closers, func() error {
			if err := conn.Drain(); err != nil {
				conn.Close()
				return err
			}
			return nil
		})
	}
	a.bridge = natsbridge.New(a.publisher, n.Subject)
	return nil
}

// initHTTP builds the API, health and metrics routes.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api.New(a.sessions, a.controller, a.bus, api.WithLibrary(a.sessions)).Register(mux)

	checkers := []health.Checker{
		health.PingChecker("cache_store", a.store),
		health.BreakerChecker("tts", a.tts.Status),
	}
	if conn := a.natsConn; conn != nil {
		checkers = append(checkers, health.Checker{
			Name:  "nats",
			Check: func(context.Context) error { return natsbridge.Healthy(conn) },
		})
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with every route, whether or not a
// listen address is configured.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the playback controller.
func (a *App) Controller() *playback.Controller { return a.controller }

// Cache returns the extraction cache.
func (a *App) Cache() *cache.Cache { return a.cache }

// Bus returns the highlight event bus.
func (a *App) Bus() *highlight.Bus { return a.bus }

// Sessions returns the reading-state manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API, forwards highlight events to NATS and tracks
// reading positions until ctx is cancelled. It returns ctx's error, or the
// first failure of the HTTP server.
func (a *App) Run(ctx context.Context) error {
	a.sessions.Start(a.bus)

	g, gctx := errgroup.WithContext(ctx)
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx, a.bus) })
	}
	if srv := a.server; srv != nil {
		g.Go(func() error {
			slog.Info("http api listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("app running", "api", a.server != nil, "nats", a.bridge != nil)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable part of a configuration change and
// logs the sections that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TimingChanged {
		a.controller.Calibrator().SetBase(new.Timing)
		slog.Info("rate model changed", "chars_per_second", new.Timing.CharsPerSecond)
	}
	if d.VoiceChanged {
		a.controller.SetVoice(new.TTS.Voice)
		slog.Info("voice changed", "voice", new.TTS.Voice.ID, "provider", new.TTS.Voice.Provider)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = new
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops playback, saves the reading state and tears down all
// subsystems. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		if err := a.controller.Stop(ctx); err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("stop playback", "err", err)
		}
		if err := a.sessions.Stop(); err != nil {
			slog.Warn("save reading state", "err", err)
		}
		if err := a.controller.Close(); err != nil {
			slog.Warn("close controller", "err", err)
		}
		a.bus.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
