package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// State is the lifecycle state of a [Session].
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// ErrClosed is returned by [Session.Ingest] once the session is closing or
// closed.
var ErrClosed = errors.New("stream: session is closed")

// Event is one message for the client. Exactly one field is set.
type Event struct {
	Partial string `json:"partial,omitempty"`
	Final   string `json:"final,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Sink receives the events of one session. Send is never called
// concurrently for the same session. An error from Send is fatal to the
// session.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// unitResult is the outcome of one buffered unit's transcription.
type unitResult struct {
	text  string
	err   error
	final bool
}

// Session is one live transcription session. All buffer state is owned by
// the session's run goroutine.
type Session struct {
	id      string
	cfg     Config
	sink    Sink
	resolve func(ctx context.Context, p audio.Payload) (transcribe.Result, error)
	live    stt.SessionHandle
	onClose func(*Session)
	record  func(metrics.Attempt)

	ctx    context.Context
	cancel context.CancelFunc

	// inMu orders Ingest sends before the close request so the final drain
	// sees every accepted chunk.
	inMu      sync.RWMutex
	closing   bool
	in        chan []byte
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	partials []string
	err      error
	dropped  int64
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State reports whether the session is open or closed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Partials returns a copy of every partial transcript emitted so far.
func (s *Session) Partials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.partials))
	copy(out, s.partials)
	return out
}

// Dropped returns how many bytes were discarded because the buffer
// overflowed.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Err returns the error that terminated the session, or nil after a clean
// close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ingest hands a chunk of raw 16-bit PCM to the session. Chunks may have
// any size and arrive at any rate.
func (s *Session) Ingest(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.inMu.RLock()
	defer s.inMu.RUnlock()
	if s.closing {
		return ErrClosed
	}
	select {
	case s.in <- chunk:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close flushes buffered audio for a last transcription and waits until the
// session is closed. Anything still running when the flush deadline passes
// is cancelled. Close is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.inMu.Lock()
		s.closing = true
		s.inMu.Unlock()
		close(s.closeReq)
	})
	<-s.done
	return nil
}

// Abort ends the session without a final flush, cancelling in-flight
// provider calls. Use it when the client is gone.
func (s *Session) Abort() {
	s.cancel()
	<-s.done
}

func (s *Session) recordLive(outcome metrics.Outcome, latency time.Duration, err error) {
	if s.record == nil {
		return
	}
	provider := "live"
	if n, ok := s.live.(interface{ Provider() string }); ok {
		provider = n.Provider()
	}
	at := metrics.Attempt{Provider: provider, FileType: "pcm", Outcome: outcome, Latency: latency}
	if err != nil {
		at.Class = string(transcribe.Classify(err))
	}
	s.record(at)
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// emit sends ev to the sink. A sink failure cancels the session.
func (s *Session) emit(ev Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if err := s.sink.Send(s.ctx, ev); err != nil {
		slog.Warn("stream sink failed, closing session", "session_id", s.id, "err", err)
		s.setErr(fmt.Errorf("stream: sink: %w", err))
		s.cancel()
		return false
	}
	if ev.Partial != "" {
		s.mu.Lock()
		s.partials = append(s.partials, ev.Partial)
		s.mu.Unlock()
	}
	return true
}

func (s *Session) finish() {
	s.cancel()
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}

// runBuffered owns the audio buffer. Units of cfg.ChunkBytes are
// transcribed one at a time on a helper goroutine so ingestion never waits
// for a provider.
func (s *Session) runBuffered() {
	defer s.finish()

	var (
		buf      []byte
		busy     bool
		closing  bool
		flushed  bool
		units    int
		results  = make(chan unitResult, 1)
		closeReq = s.closeReq
	)
	frame := 2 * s.cfg.Channels

	idle := newTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	var flushDeadline <-chan time.Time

	dispatch := func(unit []byte, final bool) {
		busy = true
		units++
		rate, channels := s.cfg.SampleRate, s.cfg.Channels
		if s.cfg.TranscribeRate > 0 {
			unit = audio.ToMono(unit, rate, channels, s.cfg.TranscribeRate)
			rate, channels = s.cfg.TranscribeRate, 1
		}
		p := audio.NewPayload(fmt.Sprintf("%s-%d.wav", s.id, units), "audio/wav",
			audio.EncodeWAV(unit, rate, channels))
		go func() {
			res, err := s.resolve(s.ctx, p)
			results <- unitResult{text: res.Text, err: err, final: final}
		}()
	}
	next := func() {
		if busy {
			return
		}
		if len(buf) >= s.cfg.ChunkBytes {
			unit := make([]byte, s.cfg.ChunkBytes)
			copy(unit, buf)
			buf = buf[s.cfg.ChunkBytes:]
			dispatch(unit, false)
			return
		}
		if closing && !flushed {
			flushed = true
			if n := len(buf) - len(buf)%frame; n > 0 {
				unit := buf[:n]
				buf = nil
				dispatch(unit, true)
			}
		}
	}

	for {
		if closing && flushed && !busy {
			return
		}
		select {
		case chunk := <-s.in:
			idle.Reset(s.cfg.IdleTimeout)
			buf = append(buf, chunk...)
			if over := len(buf) - s.cfg.MaxBufferBytes; s.cfg.MaxBufferBytes > 0 && over > 0 {
				if rem := over % frame; rem != 0 {
					over += frame - rem
				}
				over = min(over, len(buf))
				buf = append(buf[:0:0], buf[over:]...)
				s.mu.Lock()
				s.dropped += int64(over)
				s.mu.Unlock()
				slog.Warn("stream buffer overflow", "session_id", s.id, "dropped_bytes", over)
				if !s.emit(Event{Error: fmt.Sprintf("buffer overflow: dropped %d bytes of oldest audio", over)}) {
					return
				}
			}
			next()

		case r := <-results:
			busy = false
			switch {
			case r.err == nil && r.text != "":
				if !s.emit(Event{Partial: r.text}) {
					return
				}
			case r.err != nil && s.ctx.Err() == nil:
				slog.Warn("stream unit failed", "session_id", s.id, "class", transcribe.Classify(r.err), "err", r.err)
				if !s.emit(Event{Error: r.err.Error()}) {
					return
				}
			}
			next()

		case <-closeReq:
			closeReq = nil
			closing = true
			flushDeadline = time.After(s.cfg.FlushTimeout)
			// Drain chunks accepted before the close request.
			for drained := false; !drained; {
				select {
				case chunk := <-s.in:
					buf = append(buf, chunk...)
				default:
					drained = true
				}
			}
			next()

		case <-flushDeadline:
			slog.Warn("stream flush timed out", "session_id", s.id)
			return

		case <-idle.C:
			slog.Info("stream session idle, closing", "session_id", s.id)
			s.emit(Event{Error: "idle timeout"})
			s.setErr(ErrIdle)
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// runLive forwards audio to a vendor session and relays its transcripts.
func (s *Session) runLive() {
	defer s.finish()

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		s.relay()
	}()

	idle := newTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	closeReq := s.closeReq

	for {
		select {
		case chunk := <-s.in:
			idle.Reset(s.cfg.IdleTimeout)
			if err := s.live.SendAudio(chunk); err != nil {
				s.recordLive(metrics.OutcomeError, 0, err)
				s.emit(Event{Error: err.Error()})
			}

		case <-closeReq:
			closeReq = nil
			for drained := false; !drained; {
				select {
				case chunk := <-s.in:
					_ = s.live.SendAudio(chunk)
				default:
					drained = true
				}
			}
			// Closing the vendor session flushes it and closes both channels.
			go s.live.Close()
			select {
			case <-relayed:
			case <-time.After(s.cfg.FlushTimeout):
				slog.Warn("stream flush timed out", "session_id", s.id)
			}
			return

		case <-relayed:
			return

		case <-idle.C:
			s.emit(Event{Error: "idle timeout"})
			s.setErr(ErrIdle)
			_ = s.live.Close()
			return

		case <-s.ctx.Done():
			_ = s.live.Close()
			return
		}
	}
}

// relay copies vendor partials and finals to the sink until both channels
// close. Each final counts as one successful attempt, timed from the
// previous final.
func (s *Session) relay() {
	partials, finals := s.live.Partials(), s.live.Finals()
	since := time.Now()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text != "" && !s.emit(Event{Partial: t.Text}) {
				return
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			s.recordLive(metrics.OutcomeSuccess, time.Since(since), nil)
			since = time.Now()
			if !s.emit(Event{Final: t.Text}) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// newTimer returns a stopped-forever timer when d is not positive.
func newTimer(d time.Duration) *idleTimer {
	t := &idleTimer{}
	if d > 0 {
		t.t = time.NewTimer(d)
		t.C = t.t.C
	}
	return t
}

type idleTimer struct {
	t *time.Timer
	C <-chan time.Time
}

func (t *idleTimer) Reset(d time.Duration) {
	if t.t != nil {
		t.t.Reset(d)
	}
}

func (t *idleTimer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
