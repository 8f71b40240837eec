package soft

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/pion/rtp"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// constSynth renders every text as the same short WAV unit.
type constSynth struct{ data []byte }

func (s constSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	return s.data, ctx.Err()
}

// writeWAV writes d of a constant 16-bit mono signal to path.
func writeWAV(t *testing.T, path string, rate beep.SampleRate, d time.Duration) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	level := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			samples[i] = [2]float64{0.5, 0.5}
		}
		return len(samples), true
	})
	format := beep.Format{SampleRate: rate, NumChannels: 1, Precision: 2}
	if err := wav.Encode(f, beep.Take(rate.N(d), level), format); err != nil {
		t.Fatalf("wav.Encode: %v", err)
	}
}

func wavBytes(t *testing.T, rate beep.SampleRate, d time.Duration) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.wav")
	writeWAV(t, path, rate, d)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func mustMake(t *testing.T, e *Engine, factory, name string) media.Element {
	t.Helper()
	el, err := e.Make(factory, name)
	if err != nil {
		t.Fatalf("Make(%q): %v", factory, err)
	}
	return el
}

// waitFor polls bus until match accepts a message.
func waitFor(t *testing.T, bus media.Bus, match func(media.Message) bool) media.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := bus.Poll(ctx, 0)
		if err != nil {
			t.Fatalf("bus.Poll: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func stateChangedTo(src string, s media.State) func(media.Message) bool {
	return func(m media.Message) bool {
		sc, ok := m.(media.StateChanged)
		return ok && sc.Src == src && sc.New == s
	}
}

func TestEngine_Make(t *testing.T) {
	t.Parallel()

	e := New()
	if _, err := e.Make("autoaudiosink", "x"); !errors.Is(err, media.ErrNoFactory) {
		t.Errorf("Make(unknown) error = %v, want ErrNoFactory", err)
	}
	if _, err := e.Make("speech", "tts"); !errors.Is(err, media.ErrNoFactory) {
		t.Errorf("Make(speech) without synthesizer error = %v, want ErrNoFactory", err)
	}

	a := mustMake(t, e, "audioconvert", "")
	b := mustMake(t, e, "audioconvert", "")
	if a.Name() == b.Name() {
		t.Errorf("generated names collide: %q", a.Name())
	}

	withSynth := New(WithSynthesizer(constSynth{}))
	if _, err := withSynth.Make("speech", "tts"); err != nil {
		t.Errorf("Make(speech) with synthesizer: %v", err)
	}
}

func TestElement_Set(t *testing.T) {
	t.Parallel()

	pay := mustMake(t, New(), "rtpL24pay", "pay")
	if err := pay.Set("mtu", 1452); err != nil {
		t.Fatalf("Set(mtu): %v", err)
	}
	if err := pay.Set("mtu", "1452"); err == nil {
		t.Error("Set(mtu) with a string should fail")
	}
	if err := pay.Set("bitrate", 1); !errors.Is(err, media.ErrUnknownProperty) {
		t.Errorf("Set(bitrate) error = %v, want ErrUnknownProperty", err)
	}
	if v, ok := pay.Get("mtu"); !ok || v != 1452 {
		t.Errorf("Get(mtu) = %v, %v", v, ok)
	}
}

func TestLink(t *testing.T) {
	t.Parallel()

	e := New()
	pay := mustMake(t, e, "rtpL24pay", "pay")
	parse := mustMake(t, e, "wavparse", "parse")
	if err := pay.Link(parse); !errors.Is(err, media.ErrNotNegotiated) {
		t.Errorf("rtp -> wavparse error = %v, want ErrNotNegotiated", err)
	}

	conv := mustMake(t, e, "audioconvert", "conv")
	conv2 := mustMake(t, e, "audioconvert", "conv2")
	if err := conv.Link(conv2); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := conv.Link(pay); !errors.Is(err, media.ErrAlreadyLinked) {
		t.Errorf("second link error = %v, want ErrAlreadyLinked", err)
	}

	udp := mustMake(t, e, "udpsink", "udp")
	if err := udp.Link(conv); !errors.Is(err, media.ErrNoPad) {
		t.Errorf("link from a sink error = %v, want ErrNoPad", err)
	}

	res := mustMake(t, e, "audioresample", "res")
	bad := media.MustParseCaps("audio/x-raw,rate=44100")
	if err := res.LinkFiltered(pay, bad); !errors.Is(err, media.ErrNotNegotiated) {
		t.Errorf("filtered link error = %v, want ErrNotNegotiated", err)
	}
}

// buildChain assembles test source → resample@48k → rtpL24pay → udpsink
// inside a new pipeline.
func buildChain(t *testing.T, e *Engine, port int, offset uint32) media.Pipeline {
	t.Helper()
	pipe, err := e.NewPipeline("pipe")
	if err != nil {
		t.Fatal(err)
	}
	src := mustMake(t, e, "audiotestsrc", "tone")
	conv := mustMake(t, e, "audioconvert", "conv")
	res := mustMake(t, e, "audioresample", "res")
	conv2 := mustMake(t, e, "audioconvert", "conv2")
	pay := mustMake(t, e, "rtpL24pay", "pay")
	udp := mustMake(t, e, "udpsink", "udp")

	for _, p := range []struct {
		el    media.Element
		key   string
		value any
	}{
		{src, "wave", 2},
		{src, "freq", 200.0},
		{pay, "mtu", 1452},
		{pay, "timestamp-offset", offset},
		{udp, "host", "127.0.0.1"},
		{udp, "port", port},
	} {
		if err := p.el.Set(p.key, p.value); err != nil {
			t.Fatal(err)
		}
	}
	if err := pipe.Add(src, conv, res, conv2, pay, udp); err != nil {
		t.Fatal(err)
	}
	if err := src.Link(conv); err != nil {
		t.Fatal(err)
	}
	if err := conv.Link(res); err != nil {
		t.Fatal(err)
	}
	if err := res.LinkFiltered(conv2, media.MustParseCaps("audio/x-raw,rate=48000,channels=2")); err != nil {
		t.Fatal(err)
	}
	if err := conv2.Link(pay); err != nil {
		t.Fatal(err)
	}
	if err := pay.Link(udp); err != nil {
		t.Fatal(err)
	}
	return pipe
}

func TestPipeline_StartupAndStreaming(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	port := conn.LocalAddr().(*net.UDPAddr).Port

	pipe := buildChain(t, New(), port, 1000)
	bus := pipe.Bus()
	t.Cleanup(func() { pipe.SetState(media.StateNull) })

	if ret := pipe.SetState(media.StatePlaying); ret != media.StateChangeAsync {
		t.Fatalf("SetState(PLAYING) from NULL = %v, want ASYNC", ret)
	}
	msg := waitFor(t, bus, stateChangedTo("pipe", media.StateReady)).(media.StateChanged)
	if msg.Old != media.StateNull || msg.Pending != media.StatePlaying {
		t.Errorf("first StateChanged = %+v, want NULL -> READY pending PLAYING", msg)
	}

	// The pipeline parks at READY until asked again.
	time.Sleep(50 * time.Millisecond)
	if got := pipe.State(); got != media.StateReady {
		t.Fatalf("State() = %v, want READY", got)
	}

	if ret := pipe.SetState(media.StatePlaying); ret != media.StateChangeAsync {
		t.Fatalf("SetState(PLAYING) from READY = %v, want ASYNC", ret)
	}
	waitFor(t, bus, stateChangedTo("pipe", media.StatePaused))
	msg = waitFor(t, bus, stateChangedTo("pipe", media.StatePlaying)).(media.StateChanged)
	if msg.Pending != media.StateVoid {
		t.Errorf("final StateChanged pending = %v, want VOID_PENDING", msg.Pending)
	}

	buf := make([]byte, 2048)
	var prev rtp.Packet
	for i := range 2 {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if pkt.Version != 2 || pkt.PayloadType != 96 {
			t.Errorf("header = %+v, want version 2 payload type 96", pkt.Header)
		}
		if n != 1452 || len(pkt.Payload) != 240*6 {
			t.Errorf("packet %d: size %d with %d payload bytes, want 1452 with 1440", i, n, len(pkt.Payload))
		}
		switch i {
		case 0:
			if !pkt.Marker || pkt.Timestamp != 1000 {
				t.Errorf("first packet marker=%v ts=%d, want marker at ts 1000", pkt.Marker, pkt.Timestamp)
			}
		case 1:
			if pkt.Timestamp != prev.Timestamp+240 || pkt.SequenceNumber != prev.SequenceNumber+1 {
				t.Errorf("second packet seq=%d ts=%d after seq=%d ts=%d", pkt.SequenceNumber, pkt.Timestamp, prev.SequenceNumber, prev.Timestamp)
			}
		}
		prev = pkt
	}

	if ret := pipe.SetState(media.StateNull); ret != media.StateChangeSuccess {
		t.Errorf("SetState(NULL) = %v, want SUCCESS", ret)
	}
}

func TestPipeline_UnlinkedPadFails(t *testing.T) {
	t.Parallel()

	e := New()
	pipe, _ := e.NewPipeline("pipe")
	if err := pipe.Add(mustMake(t, e, "audiotestsrc", "tone")); err != nil {
		t.Fatal(err)
	}
	if ret := pipe.SetState(media.StatePlaying); ret != media.StateChangeFailure {
		t.Errorf("SetState(PLAYING) = %v, want FAILURE", ret)
	}
	if got := pipe.State(); got != media.StateNull {
		t.Errorf("State() = %v, want NULL", got)
	}
}

func TestGhostPad(t *testing.T) {
	t.Parallel()

	e := New()
	b, _ := e.NewBin("sink_bin")
	conv := mustMake(t, e, "audioconvert", "conv")
	if err := b.Add(conv); err != nil {
		t.Fatal(err)
	}
	g, err := e.NewGhostPad("sink", conv.Pad("sink"))
	if err != nil {
		t.Fatalf("NewGhostPad: %v", err)
	}
	if _, err := e.NewGhostPad("again", conv.Pad("sink")); err == nil {
		t.Error("ghosting a pad twice should fail")
	}
	if err := b.AddPad(g); err != nil {
		t.Fatalf("AddPad: %v", err)
	}
	if g.Parent() != b {
		t.Errorf("ghost parent = %v, want the bin", g.Parent())
	}
	if err := b.AddPad(conv.Pad("src")); err == nil {
		t.Error("AddPad with a plain pad should fail")
	}
}

func TestWavParse_OneUnitPerReset(t *testing.T) {
	t.Parallel()

	e := New(WithSynthesizer(constSynth{data: wavBytes(t, 24000, 100*time.Millisecond)}))
	pipe, _ := e.NewPipeline("pipe")
	src := mustMake(t, e, "appsrc", "feed")
	tts := mustMake(t, e, "speech", "tts")
	parse := mustMake(t, e, "wavparse", "parse")
	if err := src.Set("caps", media.MustParseCaps("text/x-raw,format=utf8")); err != nil {
		t.Fatal(err)
	}
	if err := pipe.Add(src, tts, parse); err != nil {
		t.Fatal(err)
	}
	if err := src.Link(tts); err != nil {
		t.Fatal(err)
	}
	if err := tts.Link(parse); err != nil {
		t.Fatal(err)
	}
	for _, el := range []media.Element{src, tts, parse} {
		if ret := el.SetState(media.StatePlaying); ret != media.StateChangeSuccess {
			t.Fatalf("%s SetState = %v", el.Name(), ret)
		}
	}

	w := parse.(*wavParse)
	s, format, err := w.openAudio(nil)
	if err != nil {
		t.Fatal(err)
	}
	if format.SampleRate != 48000 {
		t.Errorf("output rate = %d, want 48000", format.SampleRate)
	}
	feed := src.(media.AppSource)
	push := func(text string) {
		b := media.NewBuffer(16)
		if err := b.SetData([]byte(text)); err != nil {
			t.Fatal(err)
		}
		if err := feed.PushBuffer(b); err != nil {
			t.Fatal(err)
		}
	}
	frame := make([][2]float64, 480)
	untilSound := func() {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if n, ok := s.Stream(frame); n != len(frame) || !ok {
				t.Fatalf("Stream() = %d, %v; a live source never runs dry", n, ok)
			}
			for _, f := range frame {
				if f[0] > 0.25 {
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("no audio from wavparse")
	}

	push("12:00:00")
	untilSound()

	// A second unit without reset is refused.
	push("12:00:10")
	bus := pipe.Bus()
	deadline := time.Now().Add(3 * time.Second)
	var warned bool
	for !warned && time.Now().Before(deadline) {
		s.Stream(frame)
		msg, err := bus.Poll(context.Background(), 10*time.Millisecond)
		if errors.Is(err, media.ErrTimeout) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if warn, ok := msg.(media.Warning); ok && warn.Src == "parse" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a Warning for a unit without reset")
	}

	// Reset drops what is playing and arms the parser again.
	if parse.SetState(media.StateReady) != media.StateChangeSuccess || parse.SetState(media.StatePlaying) != media.StateChangeSuccess {
		t.Fatal("parser reset failed")
	}
	s.Stream(frame)
	if frame[0] != [2]float64{} {
		t.Errorf("sample after reset = %v, want silence", frame[0])
	}
	push("12:00:20")
	untilSound()
}

func TestDecodebin_PrerollExposesPad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "first song.wav")
	writeWAV(t, path, 22050, 200*time.Millisecond)

	e := New()
	pipe, _ := e.NewPipeline("pipe")
	dec := mustMake(t, e, "uridecodebin", "dec")
	if err := pipe.Add(dec); err != nil {
		t.Fatal(err)
	}
	if ret := pipe.SetState(media.StatePlaying); ret != media.StateChangeFailure {
		t.Errorf("SetState without uri = %v, want FAILURE", ret)
	}

	uri := (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	if err := dec.Set("uri", uri); err != nil {
		t.Fatal(err)
	}
	if ret := pipe.SetState(media.StatePaused); ret != media.StateChangeAsync {
		t.Fatalf("SetState(PAUSED) = %v, want ASYNC", ret)
	}
	waitFor(t, pipe.Bus(), stateChangedTo("pipe", media.StateReady))
	pipe.SetState(media.StatePaused)

	tag := waitFor(t, pipe.Bus(), func(m media.Message) bool { _, ok := m.(media.Tag); return ok }).(media.Tag)
	if tag.Key != "title" || tag.Value != "first song" {
		t.Errorf("tag = %+v, want title \"first song\"", tag)
	}
	added := waitFor(t, pipe.Bus(), func(m media.Message) bool { _, ok := m.(media.PadAdded); return ok }).(media.PadAdded)
	if rate, _ := added.Pad.Caps().Int("rate"); rate != 22050 || !added.Pad.Caps().HasPrefix("audio/") {
		t.Errorf("pad caps = %s, want audio at 22050 Hz", added.Pad.Caps())
	}
	if added.Pad.Parent() != dec {
		t.Error("pad parent is not the decoder")
	}

	if ret := pipe.SetState(media.StateNull); ret != media.StateChangeSuccess {
		t.Errorf("SetState(NULL) = %v", ret)
	}
}

func TestDecodeURI_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, uri := range []string{
		"http://example.com/a.wav",
		"file://" + filepath.ToSlash(filepath.Join(dir, "missing.wav")),
		"file://" + filepath.ToSlash(txt),
	} {
		if s, _, _, err := decodeURI(uri); err == nil {
			s.Close()
			t.Errorf("decodeURI(%q) should fail", uri)
		}
	}
}

func TestUDPSink_DialsByHostname(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	el := mustMake(t, New(), "udpsink", "udp")
	for _, kv := range []struct {
		key string
		val any
	}{{"host", "localhost"}, {"port", port}} {
		if err := el.Set(kv.key, kv.val); err != nil {
			t.Fatalf("Set(%s): %v", kv.key, err)
		}
	}
	u := el.(*udpSink)
	if err := u.change(media.StateReady, media.StatePaused); err != nil {
		t.Fatalf("READY→PAUSED with host=localhost: %v", err)
	}
	if u.conn == nil {
		t.Fatal("no socket after READY→PAUSED")
	}
	if err := u.change(media.StatePaused, media.StateReady); err != nil {
		t.Errorf("PAUSED→READY: %v", err)
	}
	if u.conn != nil {
		t.Error("socket kept after PAUSED→READY")
	}

	bad := mustMake(t, New(), "udpsink", "bad").(*udpSink)
	_ = bad.Set("host", "no such host")
	_ = bad.Set("port", port)
	if err := bad.change(media.StateReady, media.StatePaused); err == nil {
		t.Error("READY→PAUSED with an unresolvable host should fail")
	}
}
