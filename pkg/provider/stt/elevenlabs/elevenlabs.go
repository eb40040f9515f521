// Package elevenlabs provides a batch STT adapter for the ElevenLabs
// speech-to-text endpoint.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	// Name is the registry name of this adapter.
	Name = "elevenlabs"

	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "scribe_v1"
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets model_id. Defaults to scribe_v1.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithLanguage sets language_code. Empty lets the service detect it.
func WithLanguage(l string) Option {
	return func(p *Provider) { p.language = l }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Transcriber.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	language string
	client   *http.Client
}

// New constructs the adapter. An empty apiKey yields a provider whose calls
// fail with [stt.ErrMisconfigured].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		client:  http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, payload audio.Payload) (string, error) {
	if p.apiKey == "" {
		return "", stt.Misconfigured(Name, errors.New("no API key configured"))
	}

	body, contentType, err := p.form(payload)
	if err != nil {
		return "", stt.Vendor(Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/speech-to-text", body)
	if err != nil {
		return "", stt.Misconfigured(Name, err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
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

	var out struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("decode response: %w", err))
	}
	if out.Text == nil {
		return "", stt.Vendor(Name, errors.New("response has no text"))
	}
	return strings.TrimSpace(*out.Text), nil
}

func (p *Provider) form(payload audio.Payload) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model_id", p.model); err != nil {
		return nil, "", err
	}
	if p.language != "" {
		if err := mw.WriteField("language_code", p.language); err != nil {
			return nil, "", err
		}
	}
	name := payload.Filename
	if name == "" {
		name = "audio" + payload.Format().Extension()
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(payload.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

var _ stt.Transcriber = (*Provider)(nil)
