package soft

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// ─── audioconvert ─────────────────────────────────────────────────────────────

// convert passes audio through unchanged. Channel layout is always stereo
// in the soft engine, so there is nothing to convert.
type convert struct {
	*element
	nop
}

func newConvert(eng *Engine, name string) *convert {
	c := &convert{element: newElement(eng, "audioconvert", name, media.RoleFilter, nil)}
	c.self, c.hooks = c, c
	c.addPad("sink", media.PadSink, media.Caps{})
	c.addPad("src", media.PadSrc, media.Caps{})
	return c
}

func (c *convert) openAudio(*pad) (beep.Streamer, beep.Format, error) {
	return upstreamAudio(c.pad("sink"))
}

// ─── audioresample ────────────────────────────────────────────────────────────

// resample converts to the rate fixed by the filter caps on its src link.
type resample struct {
	*element
	nop
}

func newResample(eng *Engine, name string) *resample {
	r := &resample{element: newElement(eng, "audioresample", name, media.RoleFilter, map[string]propCheck{
		"quality": isInt,
	})}
	r.self, r.hooks = r, r
	r.addPad("sink", media.PadSink, media.Caps{})
	r.addPad("src", media.PadSrc, media.Caps{})
	return r
}

func (r *resample) openAudio(p *pad) (beep.Streamer, beep.Format, error) {
	s, format, err := upstreamAudio(r.pad("sink"))
	if err != nil {
		return nil, beep.Format{}, err
	}
	rate, ok := p.filterCaps().Int("rate")
	if !ok || beep.SampleRate(rate) == format.SampleRate {
		return s, format, nil
	}
	out := format
	out.SampleRate = beep.SampleRate(rate)
	return beep.Resample(r.getInt("quality", 4), format.SampleRate, out.SampleRate, s), out, nil
}

// ─── speech ───────────────────────────────────────────────────────────────────

// synthTimeout bounds one synthesis request.
const synthTimeout = 10 * time.Second

var (
	speechSinkCaps = media.MustParseCaps("text/x-raw")
	wavCaps        = media.MustParseCaps("audio/x-wav")
)

// textSource is implemented by elements feeding text buffers downstream.
type textSource interface {
	nextBuffer() []byte
}

// unitSource is implemented by elements producing complete WAV files.
type unitSource interface {
	// nextUnit returns the next finished unit or nil. It never blocks.
	nextUnit() ([]byte, error)
}

// speech renders each text buffer into a WAV unit with the engine's
// synthesizer. Synthesis runs in the background so the streaming thread
// never waits on it.
type speech struct {
	*element

	smu     sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	results chan synthResult
}

type synthResult struct {
	data []byte
	err  error
}

func newSpeech(eng *Engine, name string) *speech {
	s := &speech{
		element: newElement(eng, "speech", name, media.RoleFilter, map[string]propCheck{"voice": isString}),
		results: make(chan synthResult, 8),
	}
	s.self, s.hooks = s, s
	s.addPad("sink", media.PadSink, speechSinkCaps)
	s.addPad("src", media.PadSrc, wavCaps)
	return s
}

func (s *speech) change(from, to media.State) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	switch {
	case from == media.StateReady && to == media.StatePaused:
		s.ctx, s.cancel = context.WithCancel(context.Background())
	case from == media.StatePaused && to == media.StateReady:
		if s.cancel != nil {
			s.cancel()
		}
		s.ctx, s.cancel = nil, nil
	}
	return nil
}

func (s *speech) nextUnit() ([]byte, error) {
	if up := s.pad("sink").upstream(); up != nil {
		if src, ok := up.owner.hooks.(textSource); ok {
			if text := src.nextBuffer(); text != nil {
				s.start(string(text))
			}
		}
	}
	select {
	case r := <-s.results:
		return r.data, r.err
	default:
		return nil, nil
	}
}

func (s *speech) start(text string) {
	s.smu.Lock()
	ctx := s.ctx
	s.smu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, synthTimeout)
		defer cancel()
		begin := time.Now()
		data, err := s.eng.synth.Synthesize(ctx, text)
		if err != nil {
			err = fmt.Errorf("soft: %s: synthesize %q: %w", s.name, text, err)
		} else {
			s.eng.log.Debug("soft: synthesized", "element", s.name, "text", text, "bytes", len(data), "took", time.Since(begin))
		}
		select {
		case s.results <- synthResult{data: data, err: err}:
		case <-ctx.Done():
		}
	}()
}

// ─── wavparse ─────────────────────────────────────────────────────────────────

// Output format of wavparse.
const (
	parseRate     = beep.SampleRate(48000)
	parseChannels = 2
)

// wavParse plays WAV units as a live stream, filling the gaps with silence.
// It accepts one unit per reset: a transition to READY arms it for a fresh
// header and drops whatever is still playing. A unit that arrives while not
// armed is reported with a Warning and discarded.
type wavParse struct {
	*element

	wmu          sync.Mutex
	expectHeader bool
	cur          beep.Streamer
}

func newWavParse(eng *Engine, name string) *wavParse {
	w := &wavParse{
		element:      newElement(eng, "wavparse", name, media.RoleFilter, nil),
		expectHeader: true,
	}
	w.self, w.hooks = w, w
	w.addPad("sink", media.PadSink, wavCaps)
	w.addPad("src", media.PadSrc, media.Caps{})
	return w
}

func (w *wavParse) change(_, to media.State) error {
	if to == media.StateReady {
		w.wmu.Lock()
		w.expectHeader = true
		w.cur = nil
		w.wmu.Unlock()
	}
	return nil
}

func (w *wavParse) openAudio(*pad) (beep.Streamer, beep.Format, error) {
	format := beep.Format{SampleRate: parseRate, NumChannels: parseChannels, Precision: 3}
	return beep.StreamerFunc(w.stream), format, nil
}

func (w *wavParse) stream(samples [][2]float64) (int, bool) {
	w.poll()

	w.wmu.Lock()
	defer w.wmu.Unlock()
	n := 0
	if w.cur != nil {
		n, _ = w.cur.Stream(samples)
		if n < len(samples) {
			w.cur = nil
		}
	}
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), true
}

func (w *wavParse) poll() {
	up := w.pad("sink").upstream()
	if up == nil {
		return
	}
	src, ok := up.owner.hooks.(unitSource)
	if !ok {
		return
	}
	data, err := src.nextUnit()
	if err != nil {
		w.post(media.Warning{Src: w.name, Text: "dropping announcement", Debug: err.Error()})
		return
	}
	if data == nil {
		return
	}
	if err := w.accept(data); err != nil {
		w.post(media.Warning{Src: w.name, Text: "cannot play unit", Debug: err.Error()})
	}
}

func (w *wavParse) accept(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if !w.expectHeader {
		return fmt.Errorf("soft: %s: unit of %d bytes arrived without a reset", w.name, len(data))
	}
	s, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("soft: %s: %w", w.name, err)
	}
	var out beep.Streamer = s
	if format.SampleRate != parseRate {
		out = beep.Resample(4, format.SampleRate, parseRate, s)
	}
	w.cur = out
	w.expectHeader = false
	return nil
}
