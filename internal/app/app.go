// Package app wires the rtpcast subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the media engine, the
// stream registry, the notification hub and the HTTP surface; Run creates
// the configured streams and serves HTTP until the context ends; Shutdown
// destroys every stream and closes what New opened.
//
// For testing, inject doubles via functional options (WithEngine,
// WithMetrics, ...). When an option is not provided, New creates the real
// implementation from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rtpcast/internal/config"
	"github.com/MrWong99/rtpcast/internal/health"
	"github.com/MrWong99/rtpcast/internal/notify"
	"github.com/MrWong99/rtpcast/internal/observe"
	"github.com/MrWong99/rtpcast/internal/pipeline"
	"github.com/MrWong99/rtpcast/internal/resilience"
	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/speech"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// requiredFactories are the element factories every stream's sink graph
// needs.
var requiredFactories = []string{"audioconvert", "audioresample", "rtpL24pay", "udpsink"}

// App owns all subsystem lifetimes.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	scrape   http.Handler
	engine   media.Engine
	synth    speech.Synthesizer
	hub      *notify.Hub
	registry *Registry
	health   *health.Handler
	sources  source.Options
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// reloadMu serializes Reload calls.
	reloadMu sync.Mutex

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a media engine instead of creating one from the
// registry.
func WithEngine(e media.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects the metric instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets what GET /metrics serves. Defaults to the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets Reload change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithPlaylist replaces the playlist directory scan of playlist streams.
func WithPlaylist(fn func() (*source.Playlist, error)) Option {
	return func(a *App) { a.sources.Playlist = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg supplies the engine and synthesizer
// factories; it may be nil when WithEngine is used.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg.WithDefaults()}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(slogLevel(a.cfg.Server.LogLevel))

	// ── 1. Media engine ──────────────────────────────────────────────────
	if err := a.initEngine(reg); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Notifications ─────────────────────────────────────────────────
	a.hub = notify.NewHub(a.log)

	// ── 3. Stream registry ───────────────────────────────────────────────
	a.sources.PlaylistDir = a.cfg.Media.PlaylistDir
	a.sources.PlaylistGlob = a.cfg.Media.PlaylistGlob
	a.sources.Mode = a.cfg.Media.PlaylistMode
	a.sources.AnnounceBufferSize = a.cfg.Media.AnnounceBufferSize
	a.sources.Logger = a.log
	a.registry = NewRegistry(pipeline.Deps{
		Engine:           a.engine,
		Sources:          source.NewFactory(a.engine, a.sources),
		Metrics:          a.metrics,
		Notifier:         a.hub,
		Logger:           a.log,
		PollTimeout:      a.cfg.Media.BusPollTimeout,
		AnnounceInterval: a.cfg.Media.AnnounceInterval,
	})

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "engine", Check: a.checkEngine},
		health.Checker{Name: "streams", Check: a.checkStreams},
	)

	return a, nil
}

// initEngine creates the synthesizer and the engine unless one was injected.
func (a *App) initEngine(reg *config.Registry) error {
	if a.engine != nil {
		return nil
	}
	if reg == nil {
		return errors.New("no engine injected and no registry given")
	}

	synth, err := a.initSpeech(reg)
	if err != nil {
		if a.needsSpeech() {
			return fmt.Errorf("create speech synthesizer: %w", err)
		}
		a.log.Warn("app: no speech synthesizer, announcer streams are unavailable", "err", err)
	}
	a.synth = synth

	eng, err := reg.CreateEngine(a.cfg.Media, synth)
	if err != nil {
		return err
	}
	a.engine = eng
	if c, ok := eng.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.log.Info("app: media engine ready", "engine", eng.Name(), "speech", a.cfg.Speech.Name)
	return nil
}

// initSpeech creates the configured synthesizer. With speech.fallback set
// the result fails over to the fallback synthesizer; if only one of the two
// can be created, that one is used alone.
func (a *App) initSpeech(reg *config.Registry) (speech.Synthesizer, error) {
	sc := a.cfg.Speech
	primary, err := reg.CreateSpeech(sc)
	if sc.Fallback == "" {
		return primary, err
	}

	fbCfg := sc
	fbCfg.Name = sc.Fallback
	fallback, fbErr := reg.CreateSpeech(fbCfg)
	switch {
	case err != nil && fbErr != nil:
		return nil, errors.Join(err, fbErr)
	case err != nil:
		a.log.Warn("app: primary synthesizer unavailable, using fallback only",
			"speech", sc.Name, "fallback", sc.Fallback, "err", err)
		return fallback, nil
	case fbErr != nil:
		a.log.Warn("app: fallback synthesizer unavailable", "fallback", sc.Fallback, "err", fbErr)
		return primary, nil
	}

	f := resilience.NewSpeechFallback(sc.Name, primary, resilience.BreakerConfig{
		MaxFailures:  sc.BreakerFailures,
		ResetTimeout: sc.BreakerReset,
		Logger:       a.log,
	})
	f.AddFallback(sc.Fallback, fallback)
	a.log.Info("app: speech failover enabled", "backends", f.Backends())
	return f, nil
}

func (a *App) needsSpeech() bool {
	return slices.ContainsFunc(a.cfg.Streams, func(c stream.Config) bool { return c.Source == stream.KindAnnouncer })
}

// Registry returns the stream registry.
func (a *App) Registry() *Registry { return a.registry }

// Hub returns the notification hub.
func (a *App) Hub() *notify.Hub { return a.hub }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: health probes, Prometheus metrics and
// the websocket event feed, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	mux.Handle("GET /events", a.hub)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkEngine(context.Context) error {
	f, ok := a.engine.(interface{ Factories() []string })
	if !ok {
		return nil
	}
	have := f.Factories()
	var missing []string
	for _, name := range requiredFactories {
		if !slices.Contains(have, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine %s lacks %s", a.engine.Name(), strings.Join(missing, ", "))
	}
	return nil
}

func (a *App) checkStreams(context.Context) error {
	if failed := a.registry.Failed(); len(failed) > 0 {
		return fmt.Errorf("failed streams: %s", strings.Join(failed, ", "))
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run creates the configured streams and serves HTTP until ctx is
// cancelled. A stream that cannot be created is logged and skipped. Run
// returns nil after a clean stop and the server error otherwise.
func (a *App) Run(ctx context.Context) error {
	if err := a.registry.CreateAll(ctx, a.cfg.Streams); err != nil {
		a.log.Error("app: some streams could not be created", "err", err)
	}
	a.log.Info("app: running", "streams", a.registry.Len())

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("app: http listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the difference between two configs: the log level is
// updated, removed streams are destroyed, changed streams are recreated and
// added streams are created. Changes to the server, media or speech
// sections only take effect after a restart.
func (a *App) Reload(ctx context.Context, old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("app: server, media or speech settings changed; restart to apply")
	}
	if !d.StreamsChanged() {
		return
	}

	for _, id := range d.Removed {
		if err := a.registry.Destroy(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			a.log.Error("app: reload: destroy stream", "stream_id", id, "err", err)
		}
	}
	for _, sc := range d.Changed {
		if err := a.registry.Destroy(ctx, sc.ID); err != nil && !errors.Is(err, ErrNotFound) {
			a.log.Error("app: reload: destroy changed stream", "stream_id", sc.ID, "err", err)
		}
	}
	recreate := append(slices.Clone(d.Changed), d.Added...)
	if err := a.registry.CreateAll(ctx, recreate); err != nil {
		a.log.Error("app: reload: create streams", "err", err)
	}
	a.log.Info("app: reload applied",
		"added", len(d.Added),
		"removed", len(d.Removed),
		"changed", len(d.Changed),
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown destroys every stream and runs the closers. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "streams", a.registry.Len(), "closers", len(a.closers))

		if err := a.registry.Shutdown(ctx); err != nil {
			a.log.Warn("app: stream shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// slogLevel maps a config log level onto slog. Unknown values select info.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
