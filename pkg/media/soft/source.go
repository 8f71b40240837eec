package soft

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// errNotLinked is returned while part of the upstream chain is missing.
// The streaming goroutine retries on its next tick.
var errNotLinked = errors.New("soft: upstream not linked")

// audioSource is implemented by elements producing audio on a src pad.
type audioSource interface {
	openAudio(p *pad) (beep.Streamer, beep.Format, error)
}

// upstreamAudio opens the audio arriving at sink pad p.
func upstreamAudio(p *pad) (beep.Streamer, beep.Format, error) {
	up := p.upstream()
	if up == nil {
		return nil, beep.Format{}, errNotLinked
	}
	src, ok := up.owner.hooks.(audioSource)
	if !ok {
		return nil, beep.Format{}, fmt.Errorf("soft: %s does not produce audio: %w", up.owner.name, media.ErrNotNegotiated)
	}
	return src.openAudio(up)
}

// ─── audiotestsrc ─────────────────────────────────────────────────────────────

const testSrcRate = 44100

type testSrc struct {
	*element
	nop
}

func newTestSrc(eng *Engine, name string) *testSrc {
	t := &testSrc{element: newElement(eng, "audiotestsrc", name, media.RoleSource, map[string]propCheck{
		"wave":             isInt,
		"freq":             isFloat,
		"samplesperbuffer": isInt,
		"volume":           isFloat,
	})}
	t.self, t.hooks = t, t
	t.addPad("src", media.PadSrc, media.Caps{})
	return t
}

func (t *testSrc) openAudio(*pad) (beep.Streamer, beep.Format, error) {
	freq := 440.0
	if v, ok := t.Get("freq"); ok {
		freq = v.(float64)
	}
	volume := 0.8
	if v, ok := t.Get("volume"); ok {
		volume = v.(float64)
	}
	wave := t.getInt("wave", 0)
	step := freq / testSrcRate
	var phase float64

	s := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			var v float64
			switch wave {
			case 2: // saw
				v = 2*phase - 1
			case 4: // silence
			default: // sine
				v = math.Sin(2 * math.Pi * phase)
			}
			v *= volume
			samples[i] = [2]float64{v, v}
			phase += step
			phase -= math.Floor(phase)
		}
		return len(samples), true
	})
	return s, beep.Format{SampleRate: testSrcRate, NumChannels: 2, Precision: 2}, nil
}

// ─── appsrc ───────────────────────────────────────────────────────────────────

// appSrc queues pushed buffers for the element downstream.
type appSrc struct {
	*element

	qmu   sync.Mutex
	queue [][]byte
}

// Compile-time interface assertion.
var _ media.AppSource = (*appSrc)(nil)

func newAppSrc(eng *Engine, name string) *appSrc {
	a := &appSrc{element: newElement(eng, "appsrc", name, media.RoleSource, map[string]propCheck{
		"caps":    isCaps,
		"is-live": isBool,
	})}
	a.self, a.hooks = a, a
	a.addPad("src", media.PadSrc, media.Caps{})
	return a
}

func (a *appSrc) notify(key string) {
	if key != "caps" {
		return
	}
	v, _ := a.Get("caps")
	if p := a.pad("src"); p != nil {
		p.mu.Lock()
		p.caps = v.(media.Caps)
		p.mu.Unlock()
	}
}

// PushBuffer implements [media.AppSource].
func (a *appSrc) PushBuffer(b *media.Buffer) error {
	if b == nil {
		return errors.New("soft: nil buffer")
	}
	data := append([]byte(nil), b.Bytes()...)
	a.qmu.Lock()
	a.queue = append(a.queue, data)
	a.qmu.Unlock()
	return nil
}

// nextBuffer pops the oldest pushed buffer, or nil.
func (a *appSrc) nextBuffer() []byte {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	b := a.queue[0]
	a.queue = a.queue[1:]
	return b
}

func (a *appSrc) change(from, to media.State) error {
	if from == media.StatePaused && to == media.StateReady {
		a.qmu.Lock()
		a.queue = nil
		a.qmu.Unlock()
	}
	return nil
}

// ─── playbin / uridecodebin ───────────────────────────────────────────────────

// nextItemTimeout is how long a drained decoder waits for a new "uri" after
// posting AboutToFinish before it ends the stream.
const nextItemTimeout = 500 * time.Millisecond

// decoderElement decodes a file URI and keeps going with the next URI set
// while it is draining. With owned set it behaves like playbin and drives its
// "audio-sink" bin itself; otherwise it exposes a dynamic "src_0" pad once it
// knows the stream format, like uridecodebin.
type decoderElement struct {
	*element
	owned bool

	uriSet chan struct{}

	dmu     sync.Mutex
	dec     *decoder
	out     *pad
	sinkBin *bin
}

func newDecoderElement(eng *Engine, factory, name string, owned bool) *decoderElement {
	schema := map[string]propCheck{"uri": isString}
	if owned {
		schema["audio-sink"] = isElement
		schema["volume"] = isFloat
	}
	d := &decoderElement{
		element: newElement(eng, factory, name, media.RoleSource, schema),
		owned:   owned,
		uriSet:  make(chan struct{}, 1),
	}
	d.self, d.hooks = d, d
	return d
}

func (d *decoderElement) notify(key string) {
	if key == "uri" {
		select {
		case d.uriSet <- struct{}{}:
		default:
		}
	}
}

func (d *decoderElement) validate() error {
	var errs []error
	if d.getString("uri") == "" {
		errs = append(errs, fmt.Errorf("soft: %s: uri not set", d.name))
	}
	if d.owned {
		b, err := d.audioSink()
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, b.validate())
		}
	}
	return errors.Join(errs...)
}

func (d *decoderElement) audioSink() (*bin, error) {
	v, ok := d.Get("audio-sink")
	if !ok {
		return nil, fmt.Errorf("soft: %s: audio-sink not set", d.name)
	}
	b, ok := v.(*bin)
	if !ok {
		return nil, fmt.Errorf("soft: %s: audio-sink must be a soft bin, got %T", d.name, v)
	}
	return b, nil
}

func (d *decoderElement) change(from, to media.State) error {
	var sinkBin *bin
	if d.owned {
		b, err := d.audioSink()
		if err != nil {
			return err
		}
		sinkBin = b
		if to > from {
			if err := d.adopt(b); err != nil {
				return err
			}
			if b.SetState(to) == media.StateChangeFailure {
				return fmt.Errorf("soft: %s: audio-sink failed %s -> %s", d.name, from, to)
			}
		}
	}

	switch {
	case from == media.StateReady && to == media.StatePaused:
		if err := d.preroll(); err != nil {
			return err
		}
	case from == media.StatePaused && to == media.StateReady:
		d.dmu.Lock()
		if d.dec != nil {
			d.dec.close()
			d.dec = nil
		}
		d.dmu.Unlock()
	}

	if sinkBin != nil && to < from {
		if sinkBin.SetState(to) == media.StateChangeFailure {
			return fmt.Errorf("soft: %s: audio-sink failed %s -> %s", d.name, from, to)
		}
	}
	return nil
}

// adopt makes b a child of the decoder so b's messages reach the bus and
// links the decoder's internal output to b's "sink" pad.
func (d *decoderElement) adopt(b *bin) error {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if d.sinkBin == b {
		return nil
	}
	if err := b.setParent(d.element); err != nil {
		return err
	}
	sink, ok := b.Pad("sink").(*pad)
	if !ok || sink == nil {
		return fmt.Errorf("soft: %s: audio-sink %s has no sink pad: %w", d.name, b.name, media.ErrNoPad)
	}
	out := &pad{name: "audio_src", dir: media.PadSrc, owner: d.element}
	if err := out.Link(sink); err != nil {
		return fmt.Errorf("soft: %s: link audio-sink: %w", d.name, err)
	}
	d.out, d.sinkBin = out, b
	return nil
}

// preroll opens the first item so the output format is known.
func (d *decoderElement) preroll() error {
	dec, err := openDecoder(d)
	if err != nil {
		return err
	}
	d.dmu.Lock()
	d.dec = dec
	out := d.out
	d.dmu.Unlock()

	if d.owned {
		return nil
	}
	if out == nil {
		caps := media.Caps{MediaType: "audio/x-raw"}
		caps.Fields.Set("rate", int(dec.format.SampleRate))
		caps.Fields.Set("channels", 2)
		out = d.addPad("src_0", media.PadSrc, caps)
		d.dmu.Lock()
		d.out = out
		d.dmu.Unlock()
	}
	d.post(media.PadAdded{Src: d.name, Pad: out})
	return nil
}

func (d *decoderElement) openAudio(*pad) (beep.Streamer, beep.Format, error) {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if d.dec == nil {
		return nil, beep.Format{}, errNotLinked
	}
	return d.dec, d.dec.format, nil
}

// decoder is a beep.Streamer over a sequence of files. When an item ends it
// posts AboutToFinish and waits for the element's uri to change.
type decoder struct {
	el     *decoderElement
	format beep.Format

	cur  beep.StreamSeekCloser
	out  beep.Streamer
	uri  string
	done bool
	err  error
}

func openDecoder(el *decoderElement) (*decoder, error) {
	d := &decoder{el: el}
	uri := el.getString("uri")
	// Consume the signal of the initial assignment.
	select {
	case <-el.uriSet:
	default:
	}
	if err := d.open(uri, true); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *decoder) open(uri string, first bool) error {
	s, format, title, err := decodeURI(uri)
	if err != nil {
		return fmt.Errorf("soft: %s: %w", d.el.name, err)
	}
	if first {
		d.format = format
	}
	d.cur, d.out, d.uri = s, s, uri
	if format.SampleRate != d.format.SampleRate {
		d.out = beep.Resample(4, format.SampleRate, d.format.SampleRate, s)
	}
	d.el.post(media.Tag{Src: d.el.name, Key: "title", Value: title})
	d.el.eng.log.Debug("soft: decoding", "element", d.el.name, "uri", uri, "rate", int(format.SampleRate))
	return nil
}

// Stream implements beep.Streamer.
func (d *decoder) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) && !d.done {
		k, ok := d.out.Stream(samples[n:])
		n += k
		if ok {
			continue
		}
		if err := d.out.Err(); err != nil {
			d.err, d.done = err, true
			break
		}
		d.close()
		d.done = !d.next()
	}
	return n, n > 0 || !d.done
}

// Err implements beep.Streamer.
func (d *decoder) Err() error { return d.err }

func (d *decoder) next() bool {
	select {
	case <-d.el.uriSet:
	default:
	}
	d.el.post(media.AboutToFinish{Src: d.el.name})

	timer := time.NewTimer(nextItemTimeout)
	defer timer.Stop()
	select {
	case <-d.el.uriSet:
	case <-timer.C:
		return false
	}
	if err := d.open(d.el.getString("uri"), false); err != nil {
		d.err = err
		return false
	}
	return true
}

func (d *decoder) close() {
	if d.cur != nil {
		_ = d.cur.Close()
		d.cur = nil
	}
}

// decodeURI opens a file:// URI with the decoder matching its extension.
func decodeURI(uri string) (beep.StreamSeekCloser, beep.Format, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, beep.Format{}, "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return nil, beep.Format{}, "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	path := filepath.FromSlash(u.Path)
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, "", err
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".flac":
		s, format, err = flac.Decode(f)
	case ".mp3":
		s, format, err = mp3.Decode(f)
	default:
		err = fmt.Errorf("no decoder for %q files", ext)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, "", fmt.Errorf("decode %s: %w", path, err)
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return s, format, title, nil
}
