package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when no factory exists for a
// configured provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the name table for one provider kind.
type factories[P comparable] struct {
	kind string
	mu   sync.RWMutex
	byID map[string]Factory[P]
}

func (f *factories[P]) register(name string, fn Factory[P]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[string]Factory[P])
	}
	f.byID[name] = fn
}

func (f *factories[P]) create(entry ProviderEntry) (P, error) {
	var zero P
	f.mu.RLock()
	fn, ok := f.byID[entry.Name]
	f.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := fn(entry)
	if err != nil {
		return zero, err
	}
	if p == zero {
		return zero, fmt.Errorf("config: %s/%q factory returned no provider", f.kind, entry.Name)
	}
	return p, nil
}

func (f *factories[P]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry resolves the provider names used in [ProvidersConfig] to
// constructors. The zero value is not usable; call [NewRegistry].
type Registry struct {
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.stt.kind, r.tts.kind = "stt", "tts"
	return r
}

// RegisterSTT adds or replaces the speech-to-text factory for name.
func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { r.stt.register(name, fn) }

// RegisterTTS adds or replaces the text-to-speech factory for name.
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { r.tts.register(name, fn) }

// CreateSTT builds the speech-to-text provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

// CreateTTS builds the text-to-speech provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }

// Names lists the registered names of kind "stt" or "tts" in sorted order.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "stt":
		return r.stt.names()
	case "tts":
		return r.tts.names()
	}
	return nil
}
