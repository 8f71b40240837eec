package config

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/stream"
)

// ValidNames lists known factory names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"engine": {"soft"},
	"speech": {"tone", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

	// Media
	validateName("engine", cfg.Media.Engine)
	if m := cfg.Media.PlaylistMode; m != "" && m != source.ModePlaybin && m != source.ModeDecodebin {
		errs = append(errs, fmt.Errorf("media.playlist_mode %q is invalid; valid values: playbin, decodebin", m))
	}
	if cfg.Media.AnnounceInterval < 0 {
		errs = append(errs, fmt.Errorf("media.announce_interval %s must not be negative", cfg.Media.AnnounceInterval))
	}
	if cfg.Media.AnnounceBufferSize < 0 {
		errs = append(errs, fmt.Errorf("media.announce_buffer_size %d must not be negative", cfg.Media.AnnounceBufferSize))
	}
	if cfg.Media.BusPollTimeout < 0 {
		errs = append(errs, fmt.Errorf("media.bus_poll_timeout %s must not be negative", cfg.Media.BusPollTimeout))
	}

	// Speech
	validateName("speech", cfg.Speech.Name)
	if cfg.Speech.Name == "coqui" && cfg.Speech.BaseURL == "" {
		errs = append(errs, errors.New("speech.base_url is required for the coqui synthesizer"))
	}
	if cfg.Speech.Timeout < 0 {
		errs = append(errs, fmt.Errorf("speech.timeout %s must not be negative", cfg.Speech.Timeout))
	}
	if fb := cfg.Speech.Fallback; fb != "" {
		validateName("speech", fb)
		if name := cmp.Or(cfg.Speech.Name, DefaultSpeech); fb == name {
			errs = append(errs, fmt.Errorf("speech.fallback %q must differ from speech.name", fb))
		}
	}
	if cfg.Speech.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("speech.breaker_failures %d must not be negative", cfg.Speech.BreakerFailures))
	}
	if cfg.Speech.BreakerReset < 0 {
		errs = append(errs, fmt.Errorf("speech.breaker_reset %s must not be negative", cfg.Speech.BreakerReset))
	}

	// Streams
	seen := make(map[string]int, len(cfg.Streams))
	for i, sc := range cfg.Streams {
		prefix := fmt.Sprintf("streams[%d]", i)
		if err := sc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if prev, ok := seen[sc.ID]; ok && sc.ID != "" {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of streams[%d]", prefix, sc.ID, prev))
		} else {
			seen[sc.ID] = i
		}
		if sc.Source == stream.KindPlaylist && cfg.Media.PlaylistDir == "" {
			errs = append(errs, fmt.Errorf("%s: source playlist requires media.playlist_dir", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown factory name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
