package soft

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/pion/rtp"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// ─── rtpL24pay ────────────────────────────────────────────────────────────────

const (
	rtpHeaderSize  = 12
	l24FrameSize   = 6 // two 24-bit samples
	payloadRate    = 48000
	defaultMTU     = 1400
	defaultPayload = 96
)

var l24Caps = media.MustParseCaps("application/x-rtp,encoding-name=L24,clock-rate=48000")

// packetSource is implemented by elements producing marshalled RTP packets.
type packetSource interface {
	// nextPackets pulls frames of audio and returns the complete packets
	// available. done reports that upstream has ended and everything has
	// been flushed.
	nextPackets(frames int) (pkts [][]byte, done bool, err error)
}

// payloader packs 48 kHz stereo audio into RTP L24 (RFC 3190) packets.
type payloader struct {
	*element

	pmu       sync.Mutex
	upstream  beep.Streamer
	pending   []byte
	seq       rtp.Sequencer
	ssrc      uint32
	sent      uint32
	first     bool
	exhausted bool
}

func newPayloader(eng *Engine, name string) *payloader {
	p := &payloader{element: newElement(eng, "rtpL24pay", name, media.RoleFilter, map[string]propCheck{
		"mtu":              isInt,
		"min-ptime":        isInt64,
		"timestamp-offset": isUint32,
		"pt":               isInt,
	})}
	p.self, p.hooks = p, p
	p.addPad("sink", media.PadSink, media.MustParseCaps("audio/x-raw,rate=48000,channels=2"))
	p.addPad("src", media.PadSrc, l24Caps)
	return p
}

func (p *payloader) change(from, to media.State) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	switch {
	case from == media.StateReady && to == media.StatePaused:
		p.seq = rtp.NewRandomSequencer()
		p.ssrc = rand.Uint32()
		p.sent = 0
		p.first = true
		p.exhausted = false
	case from == media.StatePaused && to == media.StateReady:
		p.upstream, p.pending = nil, nil
	}
	return nil
}

// framesPerPacket is the largest whole number of frames fitting the MTU.
// Only the final packet of a stream may be shorter, so min-ptime holds as
// long as the MTU carries at least that much audio.
func (p *payloader) framesPerPacket() int {
	return max((p.getInt("mtu", defaultMTU)-rtpHeaderSize)/l24FrameSize, 1)
}

func (p *payloader) nextPackets(frames int) ([][]byte, bool, error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()

	if p.upstream == nil && !p.exhausted {
		s, format, err := upstreamAudio(p.pad("sink"))
		if err != nil {
			return nil, false, err
		}
		if format.SampleRate != payloadRate {
			return nil, false, fmt.Errorf("soft: %s: upstream delivers %d Hz, need %d Hz: %w",
				p.name, format.SampleRate, payloadRate, media.ErrNotNegotiated)
		}
		p.upstream = s
	}

	if p.upstream != nil && frames > 0 {
		buf := make([][2]float64, frames)
		n, ok := p.upstream.Stream(buf)
		for _, f := range buf[:n] {
			p.pending = appendL24(p.pending, f[0])
			p.pending = appendL24(p.pending, f[1])
		}
		if !ok {
			if err := p.upstream.Err(); err != nil {
				return nil, false, fmt.Errorf("soft: %s: %w", p.name, err)
			}
			p.upstream, p.exhausted = nil, true
		}
	}

	size := p.framesPerPacket() * l24FrameSize
	var pkts [][]byte
	for len(p.pending) >= size || (p.exhausted && len(p.pending) > 0) {
		n := min(size, len(p.pending))
		pkt, err := p.packet(p.pending[:n])
		if err != nil {
			return pkts, false, err
		}
		pkts = append(pkts, pkt)
		p.pending = p.pending[n:]
	}
	return pkts, p.exhausted && len(p.pending) == 0, nil
}

func (p *payloader) packet(payload []byte) ([]byte, error) {
	offset, _ := p.Get("timestamp-offset")
	base, _ := offset.(uint32)
	pt := p.getInt("pt", defaultPayload)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.first,
			PayloadType:    uint8(pt),
			SequenceNumber: p.seq.NextSequenceNumber(),
			Timestamp:      base + p.sent,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("soft: %s: marshal: %w", p.name, err)
	}
	p.first = false
	p.sent += uint32(len(payload) / l24FrameSize)
	return raw, nil
}

func appendL24(b []byte, v float64) []byte {
	v = math.Max(-1, math.Min(1, v))
	s := int32(math.Round(v * 0x7FFFFF))
	return append(b, byte(s>>16), byte(s>>8), byte(s))
}

// ─── udpsink ──────────────────────────────────────────────────────────────────

// Pacing of the streaming goroutine.
const (
	sendInterval = 20 * time.Millisecond
	maxCatchUp   = 200 * time.Millisecond
)

// udpSink owns the streaming goroutine of its pipeline.
type udpSink struct {
	*element

	umu  sync.Mutex
	conn net.Conn
	stop chan struct{}
	done chan struct{}
}

func newUDPSink(eng *Engine, name string) *udpSink {
	u := &udpSink{element: newElement(eng, "udpsink", name, media.RoleSink, map[string]propCheck{
		"host": isString,
		"port": isInt,
	})}
	u.self, u.hooks = u, u
	u.addPad("sink", media.PadSink, l24Caps)
	return u
}

func (u *udpSink) change(from, to media.State) error {
	switch {
	case from == media.StateReady && to == media.StatePaused:
		addr := net.JoinHostPort(u.getString("host"), strconv.Itoa(u.getInt("port", 0)))
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return fmt.Errorf("soft: %s: %w", u.name, err)
		}
		u.umu.Lock()
		u.conn = conn
		u.umu.Unlock()

	case from == media.StatePaused && to == media.StatePlaying:
		u.umu.Lock()
		u.stop, u.done = make(chan struct{}), make(chan struct{})
		go u.run(u.conn, u.stop, u.done)
		u.umu.Unlock()

	case from == media.StatePlaying && to == media.StatePaused:
		u.umu.Lock()
		stop, done := u.stop, u.done
		u.stop, u.done = nil, nil
		u.umu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}

	case from == media.StatePaused && to == media.StateReady:
		u.umu.Lock()
		conn := u.conn
		u.conn = nil
		u.umu.Unlock()
		if conn != nil {
			return conn.Close()
		}
	}
	return nil
}

func (u *udpSink) run(conn net.Conn, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	start := time.Now()
	var (
		sent      int
		failing   bool
		frameTime = time.Second / payloadRate
	)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		due := int(elapsed/frameTime) - sent
		if limit := int(maxCatchUp / frameTime); due > limit {
			sent += due - limit
			due = limit
		}
		if due <= 0 {
			continue
		}

		pkts, finished, err := u.pull(due)
		switch {
		case errors.Is(err, errNotLinked):
			start, sent = time.Now(), 0
			continue
		case err != nil:
			u.post(media.Error{Src: u.name, Text: "streaming stopped", Debug: err.Error()})
			return
		}
		sent += due

		for _, pkt := range pkts {
			if _, err := conn.Write(pkt); err != nil {
				if !failing {
					u.post(media.Warning{Src: u.name, Text: "send failed", Debug: err.Error()})
				}
				failing = true
				continue
			}
			failing = false
		}
		if finished {
			u.post(media.EndOfStream{Src: u.name})
			return
		}
	}
}

func (u *udpSink) pull(frames int) ([][]byte, bool, error) {
	up := u.pad("sink").upstream()
	if up == nil {
		return nil, false, errNotLinked
	}
	src, ok := up.owner.hooks.(packetSource)
	if !ok {
		return nil, false, fmt.Errorf("soft: %s does not produce packets: %w", up.owner.name, media.ErrNotNegotiated)
	}
	return src.nextPackets(frames)
}
