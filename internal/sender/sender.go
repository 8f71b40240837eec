// Package sender builds the sink side of a stream graph: the fixed chain that
// converts whatever audio arrives at its single inbound pad to 48 kHz stereo,
// packs it into RTP L24 packets and sends them to the stream's UDP
// destination.
//
//	ghost "sink" → audioconvert → audioresample =[48 kHz stereo]⇒
//	audioconvert → rtpL24pay → udpsink(host, port)
//
// The chain is sealed in a bin named "sink_bin-<id>". The bin's ghost pad is
// the only unlinked pad left after [Build] returns; linking it is the source
// adapter's job.
package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// Payloader settings.
const (
	// MTU is the maximum RTP packet size in bytes.
	MTU = 1452

	// MinPacketTime keeps the payloader from emitting short packets.
	MinPacketTime = 5 * time.Millisecond

	// ClockRate is the RTP clock rate of the L24 payload.
	ClockRate = 48000
)

// NegotiatedCaps is the format forced between the resampler and the second
// converter.
var NegotiatedCaps = media.MustParseCaps("audio/x-raw,rate=48000,channels=2")

var (
	// ErrMake is wrapped when the engine cannot create an element.
	ErrMake = errors.New("sender: element creation failed")

	// ErrLink is wrapped when two elements cannot be linked or a filtered
	// link does not negotiate.
	ErrLink = errors.New("sender: link failed")
)

// Graph is the built sink subgraph.
type Graph struct {
	// Bin holds every element of the chain.
	Bin media.Bin

	// Sink is the ghost pad upstream sources link into.
	Sink media.Pad

	// Payloader is the rtpL24pay element.
	Payloader media.Element
}

// Option configures [Build].
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now when seeding the RTP timestamp offset.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// TimestampOffset maps a wall-clock instant onto the 48 kHz RTP clock,
// truncated to 32 bits.
func TimestampOffset(t time.Time) uint32 {
	ticks := t.Unix()*ClockRate + int64(t.Nanosecond())*ClockRate/int64(time.Second)
	return uint32(ticks)
}

// Build assembles the sink bin for cfg. Any element creation, link or caps
// negotiation failure is returned before the graph is handed out; no state
// change is ever requested here.
func Build(eng media.Engine, cfg stream.Config, opts ...Option) (*Graph, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	bin, err := eng.NewBin("sink_bin-" + cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bin: %w", ErrMake, err)
	}

	specs := []struct{ factory, name string }{
		{"audioconvert", "pre-resample-conv"},
		{"audioresample", "to-48kHz-resample"},
		{"audioconvert", "pre-rtp-conv"},
		{"rtpL24pay", "rtp-pay-" + cfg.ID},
		{"udpsink", "udp-sink-" + cfg.ID},
	}
	elems := make([]media.Element, len(specs))
	for i, s := range specs {
		el, err := eng.Make(s.factory, s.name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %w", ErrMake, s.name, s.factory, err)
		}
		elems[i] = el
	}
	conv, resample, conv2, pay, udp := elems[0], elems[1], elems[2], elems[3], elems[4]

	props := []struct {
		el    media.Element
		key   string
		value any
	}{
		{pay, "mtu", MTU},
		{pay, "min-ptime", int64(MinPacketTime)},
		{pay, "timestamp-offset", TimestampOffset(o.now())},
		{udp, "host", cfg.DestHost},
		{udp, "port", int(cfg.DestPort)},
	}
	for _, p := range props {
		if err := p.el.Set(p.key, p.value); err != nil {
			return nil, fmt.Errorf("sender: set %s.%s: %w", p.el.Name(), p.key, err)
		}
	}

	if err := bin.Add(elems...); err != nil {
		return nil, fmt.Errorf("sender: add elements to %s: %w", bin.Name(), err)
	}

	ghost, err := eng.NewGhostPad("sink", conv.Pad("sink"))
	if err != nil {
		return nil, fmt.Errorf("sender: ghost pad: %w", err)
	}
	if err := bin.AddPad(ghost); err != nil {
		return nil, fmt.Errorf("sender: add ghost pad: %w", err)
	}

	if err := link(conv, resample, media.Caps{}); err != nil {
		return nil, err
	}
	if err := link(resample, conv2, NegotiatedCaps); err != nil {
		return nil, err
	}
	if err := link(conv2, pay, media.Caps{}); err != nil {
		return nil, err
	}
	if err := link(pay, udp, media.Caps{}); err != nil {
		return nil, err
	}

	return &Graph{Bin: bin, Sink: ghost, Payloader: pay}, nil
}

func link(src, dst media.Element, caps media.Caps) error {
	var err error
	if caps.IsAny() {
		err = src.Link(dst)
	} else {
		err = src.LinkFiltered(dst, caps)
	}
	if err != nil {
		if caps.IsAny() {
			return fmt.Errorf("%w: %s -> %s: %w", ErrLink, src.Name(), dst.Name(), err)
		}
		return fmt.Errorf("%w: %s -> %s using filter %s: %w", ErrLink, src.Name(), dst.Name(), caps, err)
	}
	return nil
}
