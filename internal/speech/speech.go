// Package speech turns short announcement texts into WAV audio.
//
// Two synthesizers are available: [Tone], a built-in that renders each digit
// as a distinct beep and needs no external service, and [Coqui], a client
// for a Coqui TTS server's /api/tts endpoint.
package speech

import (
	"bytes"
	"context"
	"errors"
)

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("speech: empty text")

// ErrNotWAV is returned when synthesized audio is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("speech: audio is not a WAV file")

// Synthesizer renders text as a complete WAV file.
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}
