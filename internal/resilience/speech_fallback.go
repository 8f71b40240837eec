package resilience

import (
	"context"

	"github.com/MrWong99/rtpcast/internal/speech"
)

var _ speech.Synthesizer = (*SpeechFallback)(nil)

// SpeechFallback is a [speech.Synthesizer] that fails over between
// synthesizers. A typical setup puts a network synthesizer first and the
// built-in tone synthesizer last, so announcements keep sounding while the
// server is down.
type SpeechFallback struct {
	group *Group[speech.Synthesizer]
}

// NewSpeechFallback returns a fallback synthesizer with primary preferred.
func NewSpeechFallback(primaryName string, primary speech.Synthesizer, cfg BreakerConfig) *SpeechFallback {
	return &SpeechFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers another synthesizer, tried after those already
// added.
func (f *SpeechFallback) AddFallback(name string, s speech.Synthesizer) {
	f.group.Add(name, s)
}

// Backends returns the synthesizer names in the order they are tried.
func (f *SpeechFallback) Backends() []string { return f.group.Names() }

// Synthesize renders text with the first healthy synthesizer. Output that is
// not a WAV file counts as a failure of that synthesizer.
func (f *SpeechFallback) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, speech.ErrEmptyText
	}
	return Do(ctx, f.group, func(ctx context.Context, s speech.Synthesizer) ([]byte, error) {
		wav, err := s.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		if !speech.IsWAV(wav) {
			return nil, speech.ErrNotWAV
		}
		return wav, nil
	})
}
