// Package whisper provides a provider backed by a local whisper.cpp server.
//
// Batch requests upload the file unchanged to POST /inference. Live sessions
// buffer incoming PCM, segment it into utterances with an energy-based
// silence detector and submit each utterance as a WAV upload. Because
// whisper.cpp is a batch engine a session emits a partial and a final with
// the same text as soon as each utterance has been transcribed.
//
//	p := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, payload)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	// Name is the registry name of this adapter.
	Name = "whisper"

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. 300 is near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

var (
	_ stt.Transcriber = (*Provider)(nil)
	_ stt.Provider    = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "base.en"). Empty means whatever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the default PCM sample rate for live sessions.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThresholdMs sets how much trailing silence ends an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs caps how much continuous speech is buffered before
// a flush is forced.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.maxBufferDurationMs = ms
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider talks to a whisper.cpp HTTP server. Multiple sessions may be open
// simultaneously; each keeps its own buffer and goroutine.
type Provider struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider for the server at serverURL. An empty serverURL is
// accepted; calls then fail with [stt.ErrMisconfigured].
func New(serverURL string, opts ...Option) *Provider {
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transcribe uploads the payload as-is.
func (p *Provider) Transcribe(ctx context.Context, payload audio.Payload) (string, error) {
	name := payload.Filename
	if name == "" {
		name = "audio" + payload.Format().Extension()
	}
	return p.infer(ctx, name, payload.Data)
}

// infer POSTs data to /inference as multipart/form-data.
func (p *Provider) infer(ctx context.Context, filename string, data []byte) (string, error) {
	if p.serverURL == "" {
		return "", stt.Misconfigured(Name, errors.New("no server URL configured"))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("whisper: write audio: %w", err)
	}
	fields := map[string]string{"language": p.language, "model": p.model, "response_format": "json"}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", stt.Misconfigured(Name, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", stt.Timeout(Name, err)
		}
		return "", stt.Vendor(Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", stt.StatusError(Name, resp.StatusCode, raw)
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("decode response: %w", err))
	}
	if result.Error != "" {
		return "", stt.Vendor(Name, errors.New(result.Error))
	}
	return strings.TrimSpace(result.Text), nil
}

// StartStream opens a new live session. No connection is made until the
// first utterance is flushed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if p.serverURL == "" {
		return nil, stt.Misconfigured(Name, errors.New("no server URL configured"))
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	seg := &segmenter{
		sampleRate:  sr,
		channels:    ch,
		silenceMs:   p.silenceThresholdMs,
		maxBytes:    p.maxBufferDurationMs * audio.PCMBytesPerMs(sr, ch),
		rmsCeiling:  defaultRMSThreshold,
	}
	s := &session{
		provider: p,
		seg:      seg,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- segmentation -----------------------------------------------------------

// segmenter accumulates PCM and decides when an utterance is complete.
// It is not safe for concurrent use.
type segmenter struct {
	sampleRate int
	channels   int
	silenceMs  int
	maxBytes   int
	rmsCeiling float64

	buf       []byte
	hadSpeech bool
	quietMs   int
}

// push adds chunk and returns a completed utterance, or nil.
func (g *segmenter) push(chunk []byte) []byte {
	if computeRMS(chunk) < g.rmsCeiling {
		// Leading silence is discarded.
		if !g.hadSpeech {
			return nil
		}
		g.buf = append(g.buf, chunk...)
		g.quietMs += audio.PCMDurationMs(len(chunk), g.sampleRate, g.channels)
		if g.quietMs >= g.silenceMs {
			return g.take()
		}
		return nil
	}
	g.hadSpeech = true
	g.quietMs = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.take()
	}
	return nil
}

// take returns the buffered utterance and resets. Buffers that never
// contained speech yield nil.
func (g *segmenter) take() []byte {
	out := g.buf
	if !g.hadSpeech {
		out = nil
	}
	g.buf = nil
	g.hadSpeech = false
	g.quietMs = 0
	return out
}

// ---- session ----------------------------------------------------------------

// session implements stt.SessionHandle. The segmenter is confined to the
// processLoop goroutine.
type session struct {
	provider *Provider
	seg      *segmenter

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var errClosed = errors.New("whisper: session is closed")

// SendAudio queues 16-bit little-endian PCM for segmentation.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes pending speech for a last transcription, then closes both
// channels. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			return
		case <-s.done:
			// Drain what was queued before Close.
			for {
				select {
				case chunk := <-s.audioCh:
					if utt := s.seg.push(chunk); utt != nil {
						s.emit(context.Background(), utt)
					}
				default:
					s.finalFlush()
					return
				}
			}
		case chunk := <-s.audioCh:
			if utt := s.seg.push(chunk); utt != nil {
				s.emit(ctx, utt)
			}
		}
	}
}

// finalFlush transcribes the remaining buffer with a fresh context, since
// the session context may already be cancelled.
func (s *session) finalFlush() {
	utt := s.seg.take()
	if utt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.emit(ctx, utt)
}

func (s *session) emit(ctx context.Context, pcm []byte) {
	wav := audio.EncodeWAV(pcm, s.seg.sampleRate, s.seg.channels)
	text, err := s.provider.infer(ctx, "utterance.wav", wav)
	if err != nil || text == "" {
		return
	}
	// Channels are buffered; skip rather than block during shutdown.
	select {
	case s.partials <- stt.Transcript{Text: text}:
	default:
	}
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
	default:
	}
}

// computeRMS returns the root-mean-square energy of 16-bit little-endian PCM
// in sample units (0–32767). Buffers shorter than one sample yield 0.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
