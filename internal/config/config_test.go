package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: text

providers:
  - name: deepgram
    api_key: dg-test
    model: nova-2
  - name: openai
    api_key_env: VOXGATE_TEST_OPENAI
    timeout: 5s
  - name: local
    type: whisper
    base_url: http://localhost:8081

retry:
  max_attempts: 4
  base_delay: 100ms

validation:
  allowed_types: [wav, flac]
  max_bytes: 2097152

jobs:
  workers: 2

streaming:
  live: [deepgram]
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogFormat != config.LogFormatText {
		t.Errorf("log_format: got %q", cfg.Server.LogFormat)
	}
	if len(cfg.Providers) != 3 {
		t.Fatalf("providers: got %d, want 3", len(cfg.Providers))
	}
	if got := cfg.Providers[0].Timeout; got != 30*time.Second {
		t.Errorf("default provider timeout: got %v, want 30s", got)
	}
	if got := cfg.Providers[1].Timeout; got != 5*time.Second {
		t.Errorf("explicit provider timeout: got %v, want 5s", got)
	}
	if got := cfg.Providers[2].AdapterType(); got != "whisper" {
		t.Errorf("adapter type: got %q, want whisper", got)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Errorf("retry: got %+v", cfg.Retry)
	}
	if cfg.Retry.Multiplier != 2 {
		t.Errorf("retry multiplier default: got %g, want 2", cfg.Retry.Multiplier)
	}
	if cfg.Server.MaxUploadBytes != 2*2097152+1<<20 {
		t.Errorf("max_upload_bytes: got %d", cfg.Server.MaxUploadBytes)
	}
	if cfg.Jobs.Workers != 2 || cfg.Jobs.Queue != config.QueueMemory {
		t.Errorf("jobs: got %+v", cfg.Jobs)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  - name: openai\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q", cfg.Server.LogLevel)
	}
	v := cfg.Validation
	if strings.Join(v.AllowedTypes, ",") != "wav,mp3,m4a,ogg" {
		t.Errorf("allowed_types default: got %v", v.AllowedTypes)
	}
	if v.MinBytes != 100 || v.MaxBytes != 10<<20 {
		t.Errorf("byte bounds: got %d..%d", v.MinBytes, v.MaxBytes)
	}
	if v.MinDuration != time.Second || v.MaxDuration != 5*time.Minute {
		t.Errorf("duration bounds: got %v..%v", v.MinDuration, v.MaxDuration)
	}
	if v.MinSampleRate != 8000 {
		t.Errorf("min_sample_rate: got %d", v.MinSampleRate)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("retry defaults: got %+v", cfg.Retry)
	}
	if cfg.CircuitBreaker.Enabled {
		t.Error("circuit breaker should be disabled by default")
	}
	if cfg.History.MaxJobs != 1000 || cfg.History.MaxAge != 24*time.Hour {
		t.Errorf("history defaults: got %+v", cfg.History)
	}
	if cfg.Streaming.ChunkBytes != 16000 || cfg.Streaming.SampleRate != 16000 || cfg.Streaming.Channels != 1 {
		t.Errorf("streaming defaults: got %+v", cfg.Streaming)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  - name: openai\nbogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].Name != "deepgram" {
		t.Errorf("first provider: got %q", cfg.Providers[0].Name)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProviderEntry_Credential(t *testing.T) {
	t.Setenv("VOXGATE_TEST_OPENAI", "from-env")
	t.Setenv("MY_DEEPGRAM_API_KEY", "dg-env")

	tests := []struct {
		name     string
		entry    config.ProviderEntry
		wantEnv  string
		wantCred string
	}{
		{"literal wins", config.ProviderEntry{Name: "openai", APIKey: "lit", APIKeyEnv: "VOXGATE_TEST_OPENAI"}, "VOXGATE_TEST_OPENAI", "lit"},
		{"explicit env", config.ProviderEntry{Name: "openai", APIKeyEnv: "VOXGATE_TEST_OPENAI"}, "VOXGATE_TEST_OPENAI", "from-env"},
		{"derived env", config.ProviderEntry{Name: "my-deepgram"}, "MY_DEEPGRAM_API_KEY", "dg-env"},
		{"missing", config.ProviderEntry{Name: "google"}, "GOOGLE_API_KEY", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.KeyEnv(); got != tt.wantEnv {
				t.Errorf("KeyEnv() = %q, want %q", got, tt.wantEnv)
			}
			if got := tt.entry.Credential(); got != tt.wantCred {
				t.Errorf("Credential() = %q, want %q", got, tt.wantCred)
			}
		})
	}
}

func TestProviderEntry_Configured(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")

	tests := []struct {
		entry config.ProviderEntry
		want  bool
	}{
		{config.ProviderEntry{Name: "openai", APIKey: "k"}, true},
		{config.ProviderEntry{Name: "google"}, false},
		{config.ProviderEntry{Name: "local", Type: "whisper"}, false},
		{config.ProviderEntry{Name: "local", Type: "whisper", BaseURL: "http://x"}, true},
		{config.ProviderEntry{Name: "demo", Type: "mock"}, true},
	}
	for _, tt := range tests {
		if got := tt.entry.Configured(); got != tt.want {
			t.Errorf("%s/%s Configured() = %v, want %v", tt.entry.Name, tt.entry.AdapterType(), got, tt.want)
		}
	}
}

func TestSummaryConfig_Credential(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "default-env")
	if got := (config.SummaryConfig{}).Credential(); got != "default-env" {
		t.Errorf("Credential() = %q, want default-env", got)
	}
	if got := (config.SummaryConfig{APIKey: "lit"}).Credential(); got != "lit" {
		t.Errorf("Credential() = %q, want lit", got)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

type stubTranscriber struct{ name string }

func (s *stubTranscriber) Transcribe(_ context.Context, _ audio.Payload) (string, error) {
	return s.name, nil
}

type stubStream struct{}

func (stubStream) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, nil
}

func TestRegistry_Unregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTranscriber(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateStream(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrNotStreaming) {
		t.Fatalf("err = %v, want ErrNotStreaming", err)
	}
}

func TestRegistry_CreateByType(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTranscriber("whisper", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return &stubTranscriber{name: e.Name}, nil
	})
	reg.RegisterStream("whisper", func(config.ProviderEntry) (stt.Provider, error) {
		return stubStream{}, nil
	})

	tr, err := reg.CreateTranscriber(config.ProviderEntry{Name: "local", Type: "whisper"})
	if err != nil {
		t.Fatalf("CreateTranscriber: %v", err)
	}
	if got, _ := tr.Transcribe(context.Background(), audio.Payload{}); got != "local" {
		t.Errorf("factory received entry %q, want local", got)
	}
	if _, err := reg.CreateStream(config.ProviderEntry{Name: "local", Type: "whisper"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterTranscriber("openai", func(config.ProviderEntry) (stt.Transcriber, error) {
		return nil, boom
	})
	if _, err := reg.CreateTranscriber(config.ProviderEntry{Name: "openai"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
