// Command rtpcast is the main entry point for the rtpcast RTP streaming
// daemon.
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

	"github.com/joho/godotenv"

	"github.com/MrWong99/rtpcast/internal/app"
	"github.com/MrWong99/rtpcast/internal/config"
	"github.com/MrWong99/rtpcast/internal/observe"
	"github.com/MrWong99/rtpcast/internal/speech"
	"github.com/MrWong99/rtpcast/pkg/media"
	"github.com/MrWong99/rtpcast/pkg/media/soft"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine; it only seeds RTPCAST_* variables.
	_ = godotenv.Load()

	// ── CLI flags ──────────────────────────────────────────────────────────────
	defaultConfig := os.Getenv("RTPCAST_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to the YAML configuration file (env RTPCAST_CONFIG)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rtpcast: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rtpcast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("rtpcast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		InstanceID:     os.Getenv("RTPCAST_INSTANCE_ID"),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Engine and speech registry ────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithLevelVar(level),
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(ctx, old, new)
	}, config.WithLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltins wires the engines and synthesizers that ship with rtpcast
// into reg.
func registerBuiltins(reg *config.Registry, logger *slog.Logger) {
	// ── Engines ───────────────────────────────────────────────────────────────

	reg.RegisterEngine("soft", func(_ config.MediaConfig, synth speech.Synthesizer) (media.Engine, error) {
		opts := []soft.Option{soft.WithLogger(logger)}
		if synth != nil {
			opts = append(opts, soft.WithSynthesizer(synth))
		}
		return soft.New(opts...), nil
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("tone", func(config.SpeechConfig) (speech.Synthesizer, error) {
		return speech.NewTone(0), nil
	})

	reg.RegisterSpeech("coqui", func(sc config.SpeechConfig) (speech.Synthesizer, error) {
		var opts []speech.CoquiOption
		if sc.Language != "" {
			opts = append(opts, speech.WithLanguage(sc.Language))
		}
		if sc.Speaker != "" {
			opts = append(opts, speech.WithSpeaker(sc.Speaker))
		}
		if sc.Timeout > 0 {
			opts = append(opts, speech.WithTimeout(sc.Timeout))
		}
		c, err := speech.NewCoqui(sc.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// printStartupSummary prints a human-readable overview of the configuration
// to stdout.
func printStartupSummary(cfg *config.Config) {
	c := cfg.WithDefaults()
	counts := make(map[string]int)
	for _, sc := range c.Streams {
		counts[string(sc.Source)]++
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         rtpcast · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Engine          : %-19s ║\n", c.Media.Engine)
	fmt.Printf("║  Speech          : %-19s ║\n", c.Speech.Name)
	if c.Media.PlaylistDir != "" {
		fmt.Printf("║  Playlist dir    : %-19s ║\n", truncate(c.Media.PlaylistDir, 19))
	}
	fmt.Printf("║  Streams         : %-19d ║\n", len(c.Streams))
	for _, kind := range []string{"test", "playlist", "announcer"} {
		if n := counts[kind]; n > 0 {
			fmt.Printf("║    %-13s : %-19d ║\n", kind, n)
		}
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", c.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}

// newLogger returns a text logger whose level follows level.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
