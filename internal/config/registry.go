package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested adapter type.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrNotStreaming is returned by [Registry.CreateStream] for adapter types
// that have no live streaming factory.
var ErrNotStreaming = errors.New("config: provider does not support streaming")

// Registry maps adapter types to constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]func(ProviderEntry) (stt.Transcriber, error)
	stream      map[string]func(ProviderEntry) (stt.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		stream:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
	}
}

// RegisterTranscriber registers a batch adapter factory under typ.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) RegisterTranscriber(typ string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[typ] = factory
}

// RegisterStream registers a live streaming factory under typ.
func (r *Registry) RegisterStream(typ string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream[typ] = factory
}

// CreateTranscriber instantiates the batch adapter for entry.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.AdapterType()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (type %q)", ErrProviderNotRegistered, entry.Name, entry.AdapterType())
	}
	return factory(entry)
}

// CreateStream instantiates the live streaming adapter for entry.
func (r *Registry) CreateStream(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stream[entry.AdapterType()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (type %q)", ErrNotStreaming, entry.Name, entry.AdapterType())
	}
	return factory(entry)
}
