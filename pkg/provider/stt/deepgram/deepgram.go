// Package deepgram provides a Deepgram-backed STT provider. Batch requests go
// to the prerecorded REST endpoint; live sessions use the streaming WebSocket
// API. It implements both stt.Transcriber and stt.Provider.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	// Name is the registry name of this adapter.
	Name = "deepgram"

	defaultBaseURL    = "https://api.deepgram.com"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

var errNoKey = errors.New("no API key configured")

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the API root. The streaming endpoint is derived from
// it by switching http(s) to ws(s).
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the client used for batch requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider talks to Deepgram. The zero value is not usable; call [New].
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	sampleRate int
	client     *http.Client
}

// New creates a new Deepgram Provider. An empty apiKey is accepted so the
// provider can still be listed; every call then fails with
// [stt.ErrMisconfigured].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		client:     http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transcribe uploads p to the prerecorded endpoint.
func (p *Provider) Transcribe(ctx context.Context, payload audio.Payload) (string, error) {
	if p.apiKey == "" {
		return "", stt.Misconfigured(Name, errNoKey)
	}

	u, err := url.Parse(p.baseURL + "/v1/listen")
	if err != nil {
		return "", stt.Misconfigured(Name, err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload.Data))
	if err != nil {
		return "", stt.Misconfigured(Name, err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	ct := payload.ContentType
	if ct == "" {
		ct = payload.Format().ContentType()
	}
	req.Header.Set("Content-Type", ct)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", stt.Timeout(Name, err)
		}
		return "", stt.Vendor(Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", stt.StatusError(Name, resp.StatusCode, body)
	}
	return parsePrerecorded(body)
}

type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func parsePrerecorded(body []byte) (string, error) {
	var resp prerecordedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", stt.Vendor(Name, errors.New("response has no alternatives"))
	}
	return resp.Results.Channels[0].Alternatives[0].Transcript, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate and cfg.Language.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, stt.Misconfigured(Name, errNoKey)
	}
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, stt.Misconfigured(Name, fmt.Errorf("build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, stt.StatusError(Name, resp.StatusCode, nil)
		}
		return nil, stt.Vendor(Name, fmt.Errorf("dial: %w", err))
	}

	// The session outlives the dial context.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL + "/v1/listen")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// streamingResponse is the JSON structure returned by Deepgram for a Results event.
type streamingResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var errClosed = errors.New("deepgram: session is closed")

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close asks Deepgram to flush, then tears the connection down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseStreamingResponse(msg)
		if !ok {
			continue
		}

		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}
}

// parseStreamingResponse parses a raw Deepgram WebSocket message into a
// Transcript. Returns false if the message should be ignored.
func parseStreamingResponse(data []byte) (stt.Transcript, bool) {
	var resp streamingResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}

var (
	_ stt.Transcriber = (*Provider)(nil)
	_ stt.Provider    = (*Provider)(nil)
)
