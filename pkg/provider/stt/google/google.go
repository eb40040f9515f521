// Package google provides a batch STT adapter for the Google Cloud
// Speech-to-Text v1 REST API (speech:recognize), authenticated by API key.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	// Name is the registry name of this adapter.
	Name = "google"

	defaultBaseURL  = "https://speech.googleapis.com"
	defaultLanguage = "en-US"
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithLanguage sets the BCP-47 languageCode. Defaults to en-US.
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
	language string
	client   *http.Client
}

// New constructs the adapter. An empty apiKey yields a provider whose calls
// fail with [stt.ErrMisconfigured].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		language: defaultLanguage,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type recognizeRequest struct {
	Config struct {
		Encoding            string `json:"encoding,omitempty"`
		LanguageCode        string `json:"languageCode"`
		EnableAutoPunctuate bool   `json:"enableAutomaticPunctuation"`
	} `json:"config"`
	Audio struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// encodings maps containers to the RecognitionConfig encoding. WAV and FLAC
// carry their own header, so the field is left empty for them.
var encodings = map[audio.Format]string{
	audio.FormatMP3:  "MP3",
	audio.FormatOGG:  "OGG_OPUS",
	audio.FormatWebM: "WEBM_OPUS",
}

// Transcribe implements stt.Transcriber. Results are joined with spaces.
func (p *Provider) Transcribe(ctx context.Context, payload audio.Payload) (string, error) {
	if p.apiKey == "" {
		return "", stt.Misconfigured(Name, errors.New("no API key configured"))
	}

	var rr recognizeRequest
	rr.Config.Encoding = encodings[payload.Format()]
	rr.Config.LanguageCode = p.language
	rr.Config.EnableAutoPunctuate = true
	rr.Audio.Content = base64.StdEncoding.EncodeToString(payload.Data)
	body, err := json.Marshal(rr)
	if err != nil {
		return "", stt.Vendor(Name, err)
	}

	endpoint := p.baseURL + "/v1/speech:recognize?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", stt.Misconfigured(Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", stt.Timeout(Name, errors.New("request deadline exceeded"))
		}
		// The URL carries the key; do not leak it through url.Error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", stt.Vendor(Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(raw, []byte("API key not valid")) {
		return "", stt.Misconfigured(Name, errors.New("API key rejected"))
	}
	if resp.StatusCode != http.StatusOK {
		return "", stt.StatusError(Name, resp.StatusCode, raw)
	}

	var out recognizeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", stt.Vendor(Name, fmt.Errorf("decode response: %w", err))
	}
	parts := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		if len(r.Alternatives) > 0 {
			parts = append(parts, strings.TrimSpace(r.Alternatives[0].Transcript))
		}
	}
	if len(parts) == 0 {
		return "", stt.Vendor(Name, errors.New("no speech recognized"))
	}
	return strings.Join(parts, " "), nil
}

var _ stt.Transcriber = (*Provider)(nil)
