// Package mock provides test doubles for the stt package interfaces.
//
// Transcriber replays a scripted sequence of outcomes and records when each
// call started, which makes ordering and backoff timing observable:
//
//	tr := &mock.Transcriber{Script: []mock.Outcome{
//	    {Err: stt.Timeout("a", nil)},
//	    {Text: "hello"},
//	}}
//
// Provider and Session stand in for live streaming sessions.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// Outcome is one scripted result of a Transcribe call.
type Outcome struct {
	Text string
	Err  error
	// Delay blocks the call before returning. The call returns ctx.Err()
	// if the context ends first, unless IgnoreContext is set.
	Delay         time.Duration
	IgnoreContext bool
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	Started time.Time
	Payload audio.Payload
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Script is consumed one entry per call. Once exhausted the last entry
	// repeats. An empty script returns Text "" and no error.
	Script []Outcome

	// Hook, if set, runs at the start of every call with the 1-based call
	// number.
	Hook func(n int)

	calls []TranscribeCall
}

// Transcribe records the call and plays the next scripted outcome.
func (t *Transcriber) Transcribe(ctx context.Context, p audio.Payload) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, TranscribeCall{Started: time.Now(), Payload: p})
	n := len(t.calls)
	var out Outcome
	if len(t.Script) > 0 {
		idx := min(n-1, len(t.Script)-1)
		out = t.Script[idx]
	}
	hook := t.Hook
	t.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if out.Delay > 0 {
		if out.IgnoreContext {
			time.Sleep(out.Delay)
		} else {
			timer := time.NewTimer(out.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return out.Text, out.Err
}

// Calls returns a copy of the recorded calls.
func (t *Transcriber) Calls() []TranscribeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscribeCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallCount returns how many times Transcribe was called.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, a new
	// default Session with buffered channels is returned.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(16), nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests push
// transcripts into PartialsCh and FinalsCh; Close closes both exactly once.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// OnAudio, if set, is called with every chunk after it is recorded.
	OnAudio func(chunk []byte)

	sent   [][]byte
	closed bool
	closes int
}

// NewSession returns a Session whose channels have the given buffer size.
func NewSession(buf int) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, buf),
		FinalsCh:   make(chan stt.Transcript, buf),
	}
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	err := s.SendAudioErr
	hook := s.OnAudio
	s.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return err
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close closes both channels on the first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return nil
}

// Sent returns copies of every chunk passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ stt.SessionHandle = (*Session)(nil)
