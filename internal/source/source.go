// Package source implements the producers that feed audio into a stream's
// sink graph. The set of adapters is closed: [TestTone], [PlaylistDecoder]
// and [Announcer]. The pipeline supervisor talks to all of them through
// [Adapter] and forwards engine control messages to [Adapter.Handle].
package source

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// ErrClosed is returned by adapter operations after Close.
var ErrClosed = errors.New("source: adapter closed")

// Adapter produces audio into a sink graph.
type Adapter interface {
	// Kind reports which variant this is.
	Kind() stream.Kind

	// Attach creates the adapter's elements inside pipe and connects them
	// to sink, the ghost pad of the stream's sink bin. Whether the sink bin
	// itself is added to pipe is up to the adapter.
	Attach(pipe media.Pipeline, sink media.Pad) error

	// Handle reacts to a control message from the pipeline bus. Messages the
	// adapter does not care about are ignored.
	Handle(msg media.Message) error

	// Close releases the adapter. It is called after the graph is torn down.
	Close() error

	adapter()
}

// Mode selects the decoding element used by [PlaylistDecoder].
type Mode string

const (
	// ModePlaybin uses a self-contained "playbin" element whose audio sink
	// is the stream's sink bin.
	ModePlaybin Mode = "playbin"

	// ModeDecodebin uses "uridecodebin" and links its output pad when it
	// appears.
	ModeDecodebin Mode = "decodebin"
)

// DefaultAnnounceBufferSize is the capacity of the buffer an [Announcer]
// writes its text into.
const DefaultAnnounceBufferSize = 64

// Options configure the adapters built by [NewFactory].
type Options struct {
	// PlaylistDir and PlaylistGlob locate the files of playlist streams.
	PlaylistDir  string
	PlaylistGlob string

	// Playlist, when non-nil, is called instead of scanning PlaylistDir.
	// Each stream gets its own playlist cursor.
	Playlist func() (*Playlist, error)

	// Mode selects the playlist decoding element. Empty means ModePlaybin.
	Mode Mode

	// AnnounceBufferSize is the announcer's text buffer capacity. Zero
	// means DefaultAnnounceBufferSize.
	AnnounceBufferSize int

	Logger *slog.Logger
}

// Factory builds the adapter for a stream configuration.
type Factory func(cfg stream.Config) (Adapter, error)

// NewFactory returns a [Factory] that builds adapters on eng with opts.
func NewFactory(eng media.Engine, opts Options) Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModePlaybin
	}
	if opts.AnnounceBufferSize <= 0 {
		opts.AnnounceBufferSize = DefaultAnnounceBufferSize
	}
	return func(cfg stream.Config) (Adapter, error) {
		log := opts.Logger.With("stream_id", cfg.ID)
		switch cfg.Source {
		case stream.KindTest:
			return NewTestTone(eng, cfg.ID), nil
		case stream.KindPlaylist:
			var pl *Playlist
			var err error
			if opts.Playlist != nil {
				pl, err = opts.Playlist()
			} else {
				pl, err = ScanPlaylist(opts.PlaylistDir, opts.PlaylistGlob)
			}
			if err != nil {
				return nil, err
			}
			return NewPlaylistDecoder(eng, cfg.ID, pl, opts.Mode, log)
		case stream.KindAnnouncer:
			return NewAnnouncer(eng, cfg.ID, opts.AnnounceBufferSize, log), nil
		default:
			return nil, fmt.Errorf("source: unknown kind %q", cfg.Source)
		}
	}
}

// base provides the no-op parts of [Adapter].
type base struct{}

func (base) Handle(media.Message) error { return nil }
func (base) adapter()                   {}

// parent returns the element owning pad, which for a ghost pad is the bin.
func parent(pad media.Pad) (media.Element, error) {
	if pad == nil || pad.Parent() == nil {
		return nil, fmt.Errorf("source: sink pad has no parent: %w", media.ErrNoPad)
	}
	return pad.Parent(), nil
}
