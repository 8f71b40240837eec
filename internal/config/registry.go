package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/rtpcast/internal/speech"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// EngineFactory builds a media engine. synth is nil when no synthesizer is
// configured.
type EngineFactory func(cfg MediaConfig, synth speech.Synthesizer) (media.Engine, error)

// SpeechFactory builds a speech synthesizer.
type SpeechFactory func(cfg SpeechConfig) (speech.Synthesizer, error)

// Registry maps names to constructor functions for media engines and speech
// synthesizers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
	speech  map[string]SpeechFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineFactory),
		speech:  make(map[string]SpeechFactory),
	}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSpeech registers a synthesizer factory under name.
func (r *Registry) RegisterSpeech(name string, factory SpeechFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateEngine instantiates the engine registered under cfg.Engine.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEngine(cfg MediaConfig, synth speech.Synthesizer) (media.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, cfg.Engine)
	}
	return factory(cfg, synth)
}

// CreateSpeech instantiates the synthesizer registered under cfg.Name.
func (r *Registry) CreateSpeech(cfg SpeechConfig) (speech.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.speech[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Engines returns the registered engine names, sorted.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
