package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownAdapterTypes lists adapter types shipped with the gateway. [Validate]
// warns about others, which may be registered by embedding programs.
var KnownAdapterTypes = []string{"openai", "deepgram", "whisper", "elevenlabs", "google", "mock"}

// KnownFormats lists accepted values for validation.allowed_types.
var KnownFormats = []string{"wav", "mp3", "m4a", "ogg", "flac", "webm"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. Validation bounds default to
// wav/mp3/m4a/ogg, 100 B to 10 MiB, 1 s to 5 min and at least 8 kHz.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatJSON
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 15 * time.Second
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 30 * time.Second
		}
	}

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 500 * time.Millisecond
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 10 * time.Second
	}

	cb := &cfg.CircuitBreaker
	if cb.MaxFailures == 0 {
		cb.MaxFailures = 5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}

	v := &cfg.Validation
	if len(v.AllowedTypes) == 0 {
		v.AllowedTypes = []string{"wav", "mp3", "m4a", "ogg"}
	}
	if v.MinBytes == 0 {
		v.MinBytes = 100
	}
	if v.MaxBytes == 0 {
		v.MaxBytes = 10 << 20
	}
	if v.MinDuration == 0 {
		v.MinDuration = time.Second
	}
	if v.MaxDuration == 0 {
		v.MaxDuration = 5 * time.Minute
	}
	if v.MinSampleRate == 0 {
		v.MinSampleRate = 8000
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = 2*v.MaxBytes + 1<<20
	}

	j := &cfg.Jobs
	if j.Workers == 0 {
		j.Workers = 4
	}
	if j.Queue == "" {
		j.Queue = QueueMemory
	}
	if j.QueueSize == 0 {
		j.QueueSize = 256
	}
	if j.RedisKey == "" {
		j.RedisKey = "voxgate:jobs"
	}
	if j.WebhookTimeout == 0 {
		j.WebhookTimeout = 10 * time.Second
	}

	h := &cfg.History
	if h.MaxJobs == 0 {
		h.MaxJobs = 1000
	}
	if h.MaxAge == 0 {
		h.MaxAge = 24 * time.Hour
	}

	st := &cfg.Streaming
	if st.ChunkBytes == 0 {
		st.ChunkBytes = 16000
	}
	if st.MaxBufferBytes == 0 {
		st.MaxBufferBytes = 1 << 20
	}
	if st.IdleTimeout == 0 {
		st.IdleTimeout = 30 * time.Second
	}
	if st.SampleRate == 0 {
		st.SampleRate = 16000
	}
	if st.Channels == 0 {
		st.Channels = 1
	}

	sm := &cfg.Summary
	if sm.Model == "" {
		sm.Model = "gpt-4o"
	}
	if sm.Timeout == 0 {
		sm.Timeout = 30 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.LogFormat {
	case "", LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}
	if t := cfg.Server.TLS; t != nil && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider is required"))
	}
	seen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
		if !slices.Contains(KnownAdapterTypes, p.AdapterType()) {
			slog.Warn("unknown provider type; it must be registered by the embedding program",
				"name", p.Name, "type", p.AdapterType(), "known", KnownAdapterTypes)
		}
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts))
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", r.Multiplier))
	}

	v := cfg.Validation
	for _, t := range v.AllowedTypes {
		if !slices.Contains(KnownFormats, t) {
			errs = append(errs, fmt.Errorf("validation.allowed_types: unknown format %q; valid values: %v", t, KnownFormats))
		}
	}
	if v.MaxBytes < v.MinBytes {
		errs = append(errs, fmt.Errorf("validation.max_bytes (%d) is below min_bytes (%d)", v.MaxBytes, v.MinBytes))
	}
	if v.MaxDuration < v.MinDuration {
		errs = append(errs, fmt.Errorf("validation.max_duration (%s) is below min_duration (%s)", v.MaxDuration, v.MinDuration))
	}

	j := cfg.Jobs
	if j.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", j.Workers))
	}
	switch j.Queue {
	case QueueMemory:
	case QueueRedis:
		if j.RedisURL == "" {
			errs = append(errs, errors.New("jobs.redis_url is required when jobs.queue is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("jobs.queue %q is invalid; valid values: memory, redis", j.Queue))
	}

	if cfg.History.MaxJobs < 1 {
		errs = append(errs, fmt.Errorf("history.max_jobs must be at least 1, got %d", cfg.History.MaxJobs))
	}

	st := cfg.Streaming
	if st.Provider != "" {
		if _, ok := seen[st.Provider]; !ok {
			errs = append(errs, fmt.Errorf("streaming.provider %q is not a configured provider", st.Provider))
		}
	}
	for _, name := range st.Live {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("streaming.live: %q is not a configured provider", name))
		}
	}
	if st.ChunkBytes < 1 || st.MaxBufferBytes < st.ChunkBytes {
		errs = append(errs, fmt.Errorf("streaming: need 0 < chunk_bytes (%d) <= max_buffer_bytes (%d)", st.ChunkBytes, st.MaxBufferBytes))
	}

	if cfg.Summary.Enabled && cfg.Summary.Credential() == "" {
		slog.Warn("summary.enabled is set but no API key is available; summaries will be skipped")
	}

	return errors.Join(errs...)
}
