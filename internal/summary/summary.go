// Package summary condenses finished transcripts into one or two sentences
// with an OpenAI-compatible chat completion endpoint.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxgate/internal/config"
)

const (
	defaultModel   = "gpt-4o"
	defaultTimeout = 20 * time.Second

	systemPrompt = "Summarize the following transcript in 1-2 sentences."
)

// ErrNoKey is returned by [New] when no API key is configured.
var ErrNoKey = errors.New("summary: no API key configured")

// Summarizer calls the chat completions API. It is safe for concurrent use.
type Summarizer struct {
	client  oai.Client
	model   string
	timeout time.Duration
}

// New builds a Summarizer from cfg.
func New(cfg config.SummaryConfig) (*Summarizer, error) {
	key := cfg.Credential()
	if key == "" {
		return nil, ErrNoKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	s := &Summarizer{
		client:  oai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
	if s.model == "" {
		s.model = defaultModel
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s, nil
}

// Summarize returns a short summary of text. Empty text yields "".
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summary: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
