// Package config provides the configuration schema, loader, hot-reload
// watcher and provider factory registry for the voxgate gateway.
package config

import (
	"os"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// QueueBackend selects where pending jobs wait for a worker.
type QueueBackend string

const (
	QueueMemory QueueBackend = "memory"
	QueueRedis  QueueBackend = "redis"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Providers      []ProviderEntry      `yaml:"providers"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Validation     ValidationConfig     `yaml:"validation"`
	Jobs           JobsConfig           `yaml:"jobs"`
	History        HistoryConfig        `yaml:"history"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	Summary        SummaryConfig        `yaml:"summary"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// MaxUploadBytes bounds multipart request bodies. Defaults to twice the
	// validation maximum.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures HTTPS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry configures one transcription provider. The order of entries
// in [Config.Providers] is the fallback priority order.
type ProviderEntry struct {
	// Name is the unique name callers use to request this provider.
	Name string `yaml:"name"`

	// Type selects the adapter in the [Registry]. Defaults to Name.
	Type string `yaml:"type"`

	// APIKey is the literal credential. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults to <NAME>_API_KEY, upper-cased with dashes as underscores.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint. For keyless
	// local servers such as whisper it is the only required setting.
	BaseURL string `yaml:"base_url"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// Timeout bounds a single attempt. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds adapter-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// keylessTypes authenticate by reachability rather than by API key.
var keylessTypes = map[string]bool{"whisper": true, "mock": true}

// AdapterType returns Type, or Name when Type is empty.
func (e ProviderEntry) AdapterType() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Name
}

// KeyEnv returns the environment variable consulted for the credential.
func (e ProviderEntry) KeyEnv() string {
	if e.APIKeyEnv != "" {
		return e.APIKeyEnv
	}
	return strings.ToUpper(strings.ReplaceAll(e.Name, "-", "_")) + "_API_KEY"
}

// Credential returns the API key from the literal field or the environment.
func (e ProviderEntry) Credential() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	return os.Getenv(e.KeyEnv())
}

// Configured reports whether the provider has what it needs to be called:
// an API key, or a base URL for keyless types.
func (e ProviderEntry) Configured() bool {
	if keylessTypes[e.AdapterType()] {
		return e.BaseURL != "" || e.AdapterType() == "mock"
	}
	return e.Credential() != ""
}

// StringOption returns Options[key] when it is a string.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// RetryConfig is the per-provider retry/backoff policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig enables one breaker per provider. Off by default.
type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ValidationConfig bounds accepted uploads.
type ValidationConfig struct {
	// AllowedTypes lists container formats by name (wav, mp3, m4a, ogg,
	// flac, webm).
	AllowedTypes []string `yaml:"allowed_types"`

	MinBytes    int64         `yaml:"min_bytes"`
	MaxBytes    int64         `yaml:"max_bytes"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// MinSampleRate rejects derived sample rates below it.
	MinSampleRate int `yaml:"min_sample_rate"`

	// SampleRates, when non-empty, is the exact accepted set.
	SampleRates []int `yaml:"sample_rates"`
}

// JobsConfig configures the asynchronous job pipeline.
type JobsConfig struct {
	Workers   int          `yaml:"workers"`
	Queue     QueueBackend `yaml:"queue"`
	QueueSize int          `yaml:"queue_size"`

	// RedisURL is used when Queue is redis (e.g. redis://localhost:6379/0).
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`

	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// HistoryConfig bounds the in-memory job ledger and optionally mirrors it
// to PostgreSQL.
type HistoryConfig struct {
	MaxJobs     int           `yaml:"max_jobs"`
	MaxAge      time.Duration `yaml:"max_age"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

// StreamingConfig configures live transcription sessions.
type StreamingConfig struct {
	// Provider pins chunk transcription to one provider. Empty uses the
	// fallback chain.
	Provider string `yaml:"provider"`

	// Live lists streaming-capable providers. When non-empty, sessions
	// forward audio to a live vendor session instead of transcribing
	// buffered chunks.
	Live []string `yaml:"live"`

	// ChunkBytes is the buffered amount that forms one transcribable unit.
	ChunkBytes int `yaml:"chunk_bytes"`

	// MaxBufferBytes bounds the per-session buffer; overflow drops the
	// oldest audio.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SampleRate  int           `yaml:"sample_rate"`
	Channels    int           `yaml:"channels"`

	// TranscribeSampleRate, when set, downmixes buffered units to mono at
	// this rate before transcription.
	TranscribeSampleRate int `yaml:"transcribe_sample_rate"`
}

// SummaryConfig configures optional transcript summaries.
type SummaryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Credential returns the summary API key from the literal field or the
// environment (default OPENAI_API_KEY).
func (s SummaryConfig) Credential() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	env := s.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	return os.Getenv(env)
}
