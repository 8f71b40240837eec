package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// PlaylistDecoder decodes the items of a [Playlist] one after another.
//
// In [ModePlaybin] the decoding element owns the sink bin as its audio sink.
// In [ModeDecodebin] the decoder exposes its output pad only once it has
// identified the stream; the adapter links the first audio pad to the sink
// bin when the [media.PadAdded] message arrives.
//
// Either way, when the engine posts [media.AboutToFinish] for the decoder,
// the next playlist item becomes the decoder's "uri" before Handle returns.
type PlaylistDecoder struct {
	base
	eng      media.Engine
	id       string
	playlist *Playlist
	mode     Mode
	dec      media.Element
	log      *slog.Logger

	mu      sync.Mutex
	sink    media.Pad
	current string
	closed  bool
}

// NewPlaylistDecoder returns a decoder adapter for stream id.
func NewPlaylistDecoder(eng media.Engine, id string, pl *Playlist, mode Mode, log *slog.Logger) (*PlaylistDecoder, error) {
	if pl == nil || pl.Len() == 0 {
		return nil, ErrEmptyPlaylist
	}
	if mode != ModePlaybin && mode != ModeDecodebin {
		return nil, fmt.Errorf("source: unknown playlist mode %q", mode)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PlaylistDecoder{eng: eng, id: id, playlist: pl, mode: mode, log: log}, nil
}

// Kind implements [Adapter].
func (*PlaylistDecoder) Kind() stream.Kind { return stream.KindPlaylist }

// Attach implements [Adapter].
func (d *PlaylistDecoder) Attach(pipe media.Pipeline, sink media.Pad) error {
	sinkBin, err := parent(sink)
	if err != nil {
		return err
	}

	factory := "playbin"
	if d.mode == ModeDecodebin {
		factory = "uridecodebin"
	}
	dec, err := d.eng.Make(factory, "playlist-"+d.id)
	if err != nil {
		return fmt.Errorf("source: make %s: %w", factory, err)
	}

	first := d.playlist.Next()
	if err := dec.Set("uri", FileURI(first)); err != nil {
		return fmt.Errorf("source: set uri: %w", err)
	}

	switch d.mode {
	case ModePlaybin:
		if err := dec.Set("audio-sink", sinkBin); err != nil {
			return fmt.Errorf("source: set audio-sink: %w", err)
		}
		if err := pipe.Add(dec); err != nil {
			return fmt.Errorf("source: add %s: %w", factory, err)
		}
	case ModeDecodebin:
		if err := pipe.Add(dec, sinkBin); err != nil {
			return fmt.Errorf("source: add %s: %w", factory, err)
		}
	}

	d.mu.Lock()
	d.dec = dec
	d.sink = sink
	d.current = first
	d.mu.Unlock()
	d.log.Info("playlist: first item", "item", first, "items", d.playlist.Len())
	return nil
}

// Handle implements [Adapter].
func (d *PlaylistDecoder) Handle(msg media.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.dec == nil || msg.Source() != d.dec.Name() {
		return nil
	}

	switch m := msg.(type) {
	case media.AboutToFinish:
		next := d.playlist.Next()
		if err := d.dec.Set("uri", FileURI(next)); err != nil {
			return fmt.Errorf("source: queue next item %s: %w", next, err)
		}
		d.current = next
		d.log.Info("playlist: next item", "item", next)
	case media.PadAdded:
		return d.linkPad(m.Pad)
	}
	return nil
}

func (d *PlaylistDecoder) linkPad(pad media.Pad) error {
	if pad == nil || !pad.Caps().HasPrefix("audio/") {
		return nil
	}
	if d.sink.IsLinked() {
		d.log.Debug("playlist: sink already linked, ignoring pad", "pad", pad.Name())
		return nil
	}
	if err := pad.Link(d.sink); err != nil {
		return fmt.Errorf("source: link %s to sink: %w", pad.Name(), err)
	}
	d.log.Debug("playlist: linked decoder pad", "pad", pad.Name(), "caps", pad.Caps().String())
	return nil
}

// Current returns the path of the item being played.
func (d *PlaylistDecoder) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Close implements [Adapter].
func (d *PlaylistDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
