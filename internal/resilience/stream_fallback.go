package resilience

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// StreamFallback implements [stt.Provider] by opening the live session on the
// first streaming backend that accepts it.
type StreamFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*StreamFallback)(nil)

// NewStreamFallback creates an empty [StreamFallback].
func NewStreamFallback(cfg FallbackConfig) *StreamFallback {
	return &StreamFallback{group: NewFallbackGroup[stt.Provider](cfg)}
}

// Add registers a streaming backend after those already added.
func (f *StreamFallback) Add(name string, p stt.Provider) {
	f.group.Add(name, p)
}

// Names lists the backends in the order they are tried.
func (f *StreamFallback) Names() []string { return f.group.Names() }

// StartStream opens a session against the first backend that succeeds. The
// returned handle reports the winning backend through a Provider method.
func (f *StreamFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, name, err := Run(ctx, f.group, nil, func(ctx context.Context, _ string, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return namedSession{SessionHandle: h, name: name}, nil
}

type namedSession struct {
	stt.SessionHandle
	name string
}

// Provider names the backend serving the session.
func (s namedSession) Provider() string { return s.name }
