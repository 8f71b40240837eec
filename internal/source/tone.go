package source

import (
	"fmt"

	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// Test tone parameters.
const (
	ToneWave             = 2 // sawtooth
	ToneFrequency        = 200.0
	ToneSamplesPerBuffer = 240
)

// TestTone feeds a fixed sawtooth tone. It has no dynamic behaviour.
type TestTone struct {
	base
	eng media.Engine
	id  string
}

// NewTestTone returns a test tone adapter for stream id.
func NewTestTone(eng media.Engine, id string) *TestTone { return &TestTone{eng: eng, id: id} }

// Kind implements [Adapter].
func (*TestTone) Kind() stream.Kind { return stream.KindTest }

// Attach implements [Adapter].
func (t *TestTone) Attach(pipe media.Pipeline, sink media.Pad) error {
	sinkBin, err := parent(sink)
	if err != nil {
		return err
	}
	src, err := t.eng.Make("audiotestsrc", "tone-"+t.id)
	if err != nil {
		return fmt.Errorf("source: make audiotestsrc: %w", err)
	}
	for _, p := range []media.Property{
		{Key: "wave", Value: ToneWave},
		{Key: "freq", Value: ToneFrequency},
		{Key: "samplesperbuffer", Value: ToneSamplesPerBuffer},
	} {
		if err := src.Set(p.Key, p.Value); err != nil {
			return fmt.Errorf("source: set tone %s: %w", p.Key, err)
		}
	}
	if err := pipe.Add(src, sinkBin); err != nil {
		return fmt.Errorf("source: add tone: %w", err)
	}
	if err := src.Link(sinkBin); err != nil {
		return fmt.Errorf("source: link tone: %w", err)
	}
	return nil
}

// Close implements [Adapter].
func (*TestTone) Close() error { return nil }
