// Package config provides the configuration schema, loader, watcher and
// factory registry for the rtpcast daemon.
package config

import (
	"time"

	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/stream"
)

// LogLevel controls log verbosity for the rtpcast daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultListenAddr   = ":9090"
	DefaultEngine       = "soft"
	DefaultSpeech       = "tone"
	DefaultPlaylistGlob = "*.flac"
)

// Config is the root configuration structure for rtpcast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Media  MediaConfig  `yaml:"media"`
	Speech SpeechConfig `yaml:"speech"`

	// Streams are created at startup. The list is only read: streams
	// created or destroyed at runtime are never written back.
	Streams []stream.Config `yaml:"streams"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health, metrics and events
	// endpoints (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied again on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// MediaConfig selects the media engine and tunes the source adapters.
type MediaConfig struct {
	// Engine selects the registered engine implementation (e.g., "soft").
	Engine string `yaml:"engine"`

	// PlaylistDir and PlaylistGlob locate the files of playlist streams.
	PlaylistDir  string `yaml:"playlist_dir"`
	PlaylistGlob string `yaml:"playlist_glob"`

	// PlaylistMode selects the decoding element of playlist streams.
	PlaylistMode source.Mode `yaml:"playlist_mode"`

	// AnnounceInterval is the announcer period. Zero means 10s.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// AnnounceBufferSize is the capacity in bytes of the buffer one
	// announcement text is written into. Zero means 64.
	AnnounceBufferSize int `yaml:"announce_buffer_size"`

	// BusPollTimeout bounds one wait of a stream's message loop. Zero waits
	// indefinitely.
	BusPollTimeout time.Duration `yaml:"bus_poll_timeout"`
}

// SpeechConfig selects the synthesizer used by announcer streams.
type SpeechConfig struct {
	// Name selects the registered synthesizer (e.g., "tone", "coqui").
	Name string `yaml:"name"`

	// BaseURL is the server address for network synthesizers.
	BaseURL string `yaml:"base_url"`

	// Language and Speaker are passed to synthesizers that support them.
	Language string `yaml:"language"`
	Speaker  string `yaml:"speaker"`

	// Timeout bounds one synthesis request. Zero keeps the synthesizer's
	// default.
	Timeout time.Duration `yaml:"timeout"`

	// Fallback names a second synthesizer used while the first one fails,
	// typically "tone" behind "coqui". Empty disables failover.
	Fallback string `yaml:"fallback"`

	// BreakerFailures consecutive failures stop calls to the primary
	// synthesizer for BreakerReset. Zero values select 5 and 30s.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// WithDefaults returns a copy of c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Media.Engine == "" {
		c.Media.Engine = DefaultEngine
	}
	if c.Media.PlaylistGlob == "" {
		c.Media.PlaylistGlob = DefaultPlaylistGlob
	}
	if c.Media.PlaylistMode == "" {
		c.Media.PlaylistMode = source.ModePlaybin
	}
	if c.Speech.Name == "" {
		c.Speech.Name = DefaultSpeech
	}
	return c
}
