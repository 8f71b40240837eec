// Package soft is a small in-process implementation of the [media.Engine]
// boundary. It supports exactly the element factories rtpcast composes:
//
//	audiotestsrc  playbin  uridecodebin  appsrc          (sources)
//	audioconvert  audioresample  speech  wavparse  rtpL24pay  (filters)
//	udpsink                                              (sink)
//
// The data plane is pull driven. Each udpsink runs one streaming goroutine
// while PLAYING that paces itself against the wall clock, pulls 20 ms worth
// of frames through the payloader and writes the packets to its socket.
// Upstream audio is modelled as beep streamers; files are decoded with beep's
// wav, flac and mp3 decoders and resampled with beep.Resample.
//
// Pipelines follow the usual state rules with one quirk that callers must
// handle: a request from NULL to a state above READY completes READY
// synchronously and returns [media.StateChangeAsync], but the pipeline does
// not continue on its own. The caller requests PAUSED after READY is
// confirmed and PLAYING after PAUSED is confirmed. Requests made from READY
// or above advance asynchronously all the way to their target.
package soft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// Compile-time interface assertion.
var _ media.Engine = (*Engine)(nil)

// Synthesizer renders text as a complete WAV file. It is used by the
// "speech" element.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSynthesizer enables the "speech" factory.
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Engine) { e.synth = s }
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine creates soft elements. It is safe for concurrent use.
type Engine struct {
	synth Synthesizer
	log   *slog.Logger

	mu  sync.Mutex
	seq map[string]int
}

// New returns an engine.
func New(opts ...Option) *Engine {
	e := &Engine{log: slog.Default(), seq: make(map[string]int)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements [media.Engine].
func (e *Engine) Name() string { return "soft" }

// Factories lists the supported factory names.
func (e *Engine) Factories() []string {
	names := []string{"audiotestsrc", "playbin", "uridecodebin", "appsrc", "audioconvert", "audioresample", "wavparse", "rtpL24pay", "udpsink"}
	if e.synth != nil {
		names = append(names, "speech")
	}
	return names
}

// Make implements [media.Engine].
func (e *Engine) Make(factory, name string) (media.Element, error) {
	if name == "" {
		e.mu.Lock()
		name = fmt.Sprintf("%s%d", factory, e.seq[factory])
		e.seq[factory]++
		e.mu.Unlock()
	}
	switch factory {
	case "audiotestsrc":
		return newTestSrc(e, name), nil
	case "playbin":
		return newDecoderElement(e, factory, name, true), nil
	case "uridecodebin":
		return newDecoderElement(e, factory, name, false), nil
	case "appsrc":
		return newAppSrc(e, name), nil
	case "audioconvert":
		return newConvert(e, name), nil
	case "audioresample":
		return newResample(e, name), nil
	case "speech":
		if e.synth == nil {
			return nil, fmt.Errorf("soft: speech needs a synthesizer: %w", media.ErrNoFactory)
		}
		return newSpeech(e, name), nil
	case "wavparse":
		return newWavParse(e, name), nil
	case "rtpL24pay":
		return newPayloader(e, name), nil
	case "udpsink":
		return newUDPSink(e, name), nil
	}
	return nil, fmt.Errorf("soft: %q: %w", factory, media.ErrNoFactory)
}

// NewBin implements [media.Engine].
func (e *Engine) NewBin(name string) (media.Bin, error) {
	return newBin(e, "bin", name), nil
}

// NewPipeline implements [media.Engine].
func (e *Engine) NewPipeline(name string) (media.Pipeline, error) {
	return newPipeline(e, name), nil
}

// NewGhostPad implements [media.Engine].
func (e *Engine) NewGhostPad(name string, target media.Pad) (media.Pad, error) {
	t, ok := target.(*pad)
	if !ok || t == nil {
		return nil, fmt.Errorf("soft: ghost pad %q needs a soft target: %w", name, media.ErrNoPad)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ghostedBy != nil {
		return nil, fmt.Errorf("soft: pad %s is already ghosted", t.name)
	}
	g := &pad{name: name, dir: t.dir, target: t}
	t.ghostedBy = g
	return g, nil
}
