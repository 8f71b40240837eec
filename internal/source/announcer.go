package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtpcast/internal/announce"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// AnnounceLayout formats the spoken wall-clock time.
const AnnounceLayout = "15:04:05"

// TextCaps describes the text buffers pushed into the announcer's feed.
var TextCaps = media.MustParseCaps("text/x-raw,format=utf8")

// Announcer speaks the current time on every scheduler tick.
//
//	appsrc → speech → wavparse → audioconvert → sink
//
// Every announcement is a complete WAV unit, so the parser is reset to READY
// and back to PLAYING before each push to make it read a fresh header. The
// reset restarts the parser's running time; the accumulated wall-clock
// offset is applied to the parser's src pad to keep downstream time moving
// forward.
type Announcer struct {
	base
	eng     media.Engine
	id      string
	bufSize int
	log     *slog.Logger
	state   announce.State

	mu     sync.Mutex
	feed   media.AppSource
	parser media.Element
	closed bool
}

// NewAnnouncer returns an announcer adapter for stream id whose text buffer
// holds bufSize bytes.
func NewAnnouncer(eng media.Engine, id string, bufSize int, log *slog.Logger) *Announcer {
	if bufSize <= 0 {
		bufSize = DefaultAnnounceBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{eng: eng, id: id, bufSize: bufSize, log: log}
}

// Kind implements [Adapter].
func (*Announcer) Kind() stream.Kind { return stream.KindAnnouncer }

// State implements [announce.Target].
func (a *Announcer) State() *announce.State { return &a.state }

// Attach implements [Adapter].
func (a *Announcer) Attach(pipe media.Pipeline, sink media.Pad) error {
	sinkBin, err := parent(sink)
	if err != nil {
		return err
	}

	specs := []struct{ factory, name string }{
		{"appsrc", "announce-src-" + a.id},
		{"speech", "announce-tts-" + a.id},
		{"wavparse", "announce-parse-" + a.id},
		{"audioconvert", "announce-conv-" + a.id},
	}
	elems := make([]media.Element, 0, len(specs)+1)
	for _, s := range specs {
		el, err := a.eng.Make(s.factory, s.name)
		if err != nil {
			return fmt.Errorf("source: make %s: %w", s.factory, err)
		}
		elems = append(elems, el)
	}
	feed, ok := elems[0].(media.AppSource)
	if !ok {
		return fmt.Errorf("source: %s element %T cannot be fed", elems[0].Factory(), elems[0])
	}
	if err := feed.Set("caps", TextCaps); err != nil {
		return fmt.Errorf("source: set appsrc caps: %w", err)
	}

	elems = append(elems, sinkBin)
	if err := pipe.Add(elems...); err != nil {
		return fmt.Errorf("source: add announcer: %w", err)
	}
	for i := 0; i < len(elems)-1; i++ {
		if err := elems[i].Link(elems[i+1]); err != nil {
			return fmt.Errorf("source: link %s -> %s: %w", elems[i].Name(), elems[i+1].Name(), err)
		}
	}

	a.mu.Lock()
	a.feed = feed
	a.parser = elems[2]
	a.mu.Unlock()
	return nil
}

// Announce implements [announce.Target]. The text for now is written into
// a fresh buffer first; a payload that does not fit fails with a
// [media.CapacityError] before the graph is touched.
func (a *Announcer) Announce(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.feed == nil {
		return errors.New("source: announce before attach")
	}

	text := now.Format(AnnounceLayout)
	buf := media.NewBuffer(a.bufSize)
	if err := buf.SetData([]byte(text)); err != nil {
		return fmt.Errorf("source: announce %q: %w", text, err)
	}

	for _, target := range []media.State{media.StateReady, media.StatePlaying} {
		if ret := a.parser.SetState(target); ret == media.StateChangeFailure {
			return fmt.Errorf("source: reset %s to %s failed", a.parser.Name(), target)
		}
	}

	offset := a.state.AccumulatedOffset()
	if pad := a.parser.Pad("src"); pad != nil {
		pad.SetOffset(offset)
	}
	buf.PTS = offset
	if err := a.feed.PushBuffer(buf); err != nil {
		return fmt.Errorf("source: push announcement: %w", err)
	}
	a.log.Debug("announcer: pushed", "text", text, "offset", offset)
	return nil
}

// Close implements [Adapter]. Later announcements fail with [ErrClosed].
func (a *Announcer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
