package speech

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// Compile-time interface assertion.
var _ Synthesizer = (*Tone)(nil)

// Tone renders digits as sine beeps: digit d plays at 440 Hz + d × 55 Hz.
// Separators become a short pause; other characters are skipped.
type Tone struct {
	format beep.Format
	beep   time.Duration
	gap    time.Duration
}

// NewTone returns a tone synthesizer producing 16-bit mono WAV at rate Hz.
// A non-positive rate selects 22050 Hz.
func NewTone(rate int) *Tone {
	if rate <= 0 {
		rate = 22050
	}
	return &Tone{
		format: beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 1, Precision: 2},
		beep:   120 * time.Millisecond,
		gap:    40 * time.Millisecond,
	}
}

// Synthesize implements [Synthesizer].
func (t *Tone) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sr := t.format.SampleRate
	var parts []beep.Streamer
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			freq := 440.0 + float64(r-'0')*55.0
			parts = append(parts, beep.Take(sr.N(t.beep), sine(sr, freq)), beep.Silence(sr.N(t.gap)))
		case r == ':' || r == ' ' || r == '.':
			parts = append(parts, beep.Silence(sr.N(3*t.gap)))
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("speech: nothing to say in %q: %w", text, ErrEmptyText)
	}

	var out memFile
	if err := wav.Encode(&out, beep.Seq(parts...), t.format); err != nil {
		return nil, fmt.Errorf("speech: encode wav: %w", err)
	}
	return out.buf, nil
}

// sine returns an endless sine streamer at freq Hz with a gentle amplitude.
func sine(sr beep.SampleRate, freq float64) beep.Streamer {
	var pos int
	step := 2 * math.Pi * freq / float64(sr)
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := 0.3 * math.Sin(step*float64(pos))
			samples[i] = [2]float64{v, v}
			pos++
		}
		return len(samples), true
	})
}

// memFile is an in-memory io.WriteSeeker; wav.Encode seeks back to patch the
// header sizes.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("speech: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("speech: negative seek position %d", abs)
	}
	m.pos = int(abs)
	return abs, nil
}
