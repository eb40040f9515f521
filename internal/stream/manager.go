// Package stream manages live transcription sessions. Clients push raw
// 16-bit PCM at whatever rate their transport delivers it; each session
// either buffers the audio into fixed-size units transcribed through the
// provider router, or forwards it to a streaming-capable vendor session.
// Results are pushed to a per-session [Sink] as they arrive.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("stream: session not found")

	// ErrIdle is the terminal error of a session closed by its idle timeout.
	ErrIdle = errors.New("stream: idle timeout")
)

const (
	defaultChunkBytes   = 64 << 10
	defaultSampleRate   = 16000
	defaultFlushTimeout = 30 * time.Second
	ingestQueue         = 64
)

// Config bounds every session opened by a [Manager].
type Config struct {
	// Provider pins unit transcription to one provider. Empty uses the
	// fallback chain.
	Provider string

	// ChunkBytes is the buffered amount transcribed as one unit.
	ChunkBytes int

	// MaxBufferBytes caps the buffer. Zero means four units.
	MaxBufferBytes int

	// IdleTimeout closes sessions that receive no audio. Zero disables it.
	IdleTimeout time.Duration

	// FlushTimeout bounds the final transcription on Close.
	FlushTimeout time.Duration

	SampleRate int
	Channels   int

	// TranscribeRate converts units to mono at this rate before they are
	// transcribed. Zero sends the client format unchanged.
	TranscribeRate int
}

// ConfigFrom converts the streaming section of the configuration.
func ConfigFrom(c config.StreamingConfig) Config {
	return Config{
		Provider:       c.Provider,
		ChunkBytes:     c.ChunkBytes,
		MaxBufferBytes: c.MaxBufferBytes,
		IdleTimeout:    c.IdleTimeout,
		SampleRate:     c.SampleRate,
		Channels:       c.Channels,
		TranscribeRate: c.TranscribeSampleRate,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = defaultChunkBytes
	}
	frame := 2 * c.Channels
	if rem := c.ChunkBytes % frame; rem != 0 {
		c.ChunkBytes += frame - rem
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = 4 * c.ChunkBytes
	}
	c.MaxBufferBytes = max(c.MaxBufferBytes, c.ChunkBytes)
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	return c
}

// Resolver transcribes one unit. [*transcribe.Router] implements it.
type Resolver interface {
	Resolve(ctx context.Context, p audio.Payload, preferred string) (transcribe.Result, error)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLive forwards audio to live vendor sessions opened on p instead of
// buffering it into units.
func WithLive(p stt.Provider) Option {
	return func(m *Manager) { m.live = p }
}

// WithMetrics tracks the number of open sessions.
func WithMetrics(om *observe.Metrics) Option {
	return func(m *Manager) { m.otel = om }
}

// WithAggregator counts live-session transcripts as provider attempts.
// Buffered units are counted by the router.
func WithAggregator(agg *metrics.Aggregator) Option {
	return func(m *Manager) { m.agg = agg }
}

// Manager tracks open sessions. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	resolver Resolver
	live     stt.Provider
	otel     *observe.Metrics
	agg      *metrics.Aggregator

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(cfg Config, r Resolver, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		resolver: r,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open starts a session that reports to sink. Cancelling ctx aborts the
// session without a final flush.
func (m *Manager) Open(ctx context.Context, sink Sink) (*Session, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       uuid.NewString(),
		cfg:      m.cfg,
		sink:     sink,
		ctx:      sctx,
		cancel:   cancel,
		in:       make(chan []byte, ingestQueue),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateOpen,
		onClose:  m.remove,
	}
	s.resolve = func(ctx context.Context, p audio.Payload) (transcribe.Result, error) {
		return m.resolver.Resolve(ctx, p, m.cfg.Provider)
	}

	if m.live != nil {
		h, err := m.live.StartStream(sctx, stt.StreamConfig{SampleRate: m.cfg.SampleRate, Channels: m.cfg.Channels})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stream: start live session: %w", err)
		}
		s.live = h
		if m.agg != nil {
			s.record = m.agg.Record
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	if m.otel != nil {
		m.otel.ActiveSessions.Add(context.Background(), 1)
	}

	if s.live != nil {
		go s.runLive()
	} else {
		go s.runBuffered()
	}
	slog.Info("stream session opened", "session_id", s.id, "live", s.live != nil)
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if m.otel != nil {
		m.otel.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("stream session closed", "session_id", s.id, "partials", len(s.Partials()), "err", s.Err())
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Ingest forwards chunk to session id.
func (m *Manager) Ingest(id string, chunk []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Ingest(chunk)
}

// Close flushes and closes session id.
func (m *Manager) Close(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Close()
}

// Shutdown aborts every open session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.Abort()
	}
}
