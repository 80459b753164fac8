package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	extract map[string]func(ProviderEntry) (extract.Extractor, error)
	tts     map[string]func(ProviderEntry) (tts.Provider, error)
	audio   map[string]func(ProviderEntry) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		extract: make(map[string]func(ProviderEntry) (extract.Extractor, error)),
		tts:     make(map[string]func(ProviderEntry) (tts.Provider, error)),
		audio:   make(map[string]func(ProviderEntry) (audio.Device, error)),
	}
}

// RegisterExtractor registers a text extractor factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterExtractor(name string, factory func(ProviderEntry) (extract.Extractor, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extract[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterAudio registers an audio output device factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateExtractor instantiates an extractor using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateExtractor(entry ProviderEntry) (extract.Extractor, error) {
	return create(r, r.extract, "extract", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateAudio instantiates an audio device using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Device, error) {
	return create(r, r.audio, "audio", entry)
}

// Names returns the sorted names registered for kind ("extract", "tts" or
// "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "extract":
		names = keys(r.extract)
	case "tts":
		names = keys(r.tts)
	case "audio":
		names = keys(r.audio)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
