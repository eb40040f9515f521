// Package openai provides a batch STT adapter for the OpenAI audio
// transcription endpoint (whisper-1 and the gpt-4o transcribe models).
package openai

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// Name is the registry name of this adapter.
const Name = "openai"

const defaultModel = oai.AudioModelWhisper1

// Option is a functional option for Provider.
type Option func(*config)

type config struct {
	baseURL  string
	model    string
	language string
	client   *http.Client
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage passes an ISO-639-1 hint to the API.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// Provider implements stt.Transcriber.
type Provider struct {
	client   oai.Client
	hasKey   bool
	model    string
	language string
}

// New constructs the adapter. An empty apiKey yields a provider whose calls
// fail with [stt.ErrMisconfigured].
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{model: string(defaultModel)}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are owned by the gateway's policy, not the SDK.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.client != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.client))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		hasKey:   apiKey != "",
		model:    cfg.model,
		language: cfg.language,
	}
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, payload audio.Payload) (string, error) {
	if !p.hasKey {
		return "", stt.Misconfigured(Name, errors.New("no API key configured"))
	}

	filename := payload.Filename
	if filename == "" {
		filename = "audio" + payload.Format().Extension()
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(payload.Data), filename, payload.Format().ContentType()),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", mapError(ctx, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// mapError converts SDK failures into stt errors.
func mapError(ctx context.Context, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return stt.StatusError(Name, apiErr.StatusCode, []byte(apiErr.Message))
	}
	if ctx.Err() != nil {
		return stt.Timeout(Name, err)
	}
	return stt.Vendor(Name, err)
}

var _ stt.Transcriber = (*Provider)(nil)
