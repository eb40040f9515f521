package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked; everything else needs one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RetryChanged bool
	NewRetry     RetryConfig

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Empty reports whether nothing changed at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RetryChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Retry != new.Retry {
		d.RetryChanged = true
		d.NewRetry = new.Retry
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer.ListenAddr != newServer.ListenAddr || oldServer.LogFormat != newServer.LogFormat ||
		oldServer.MaxUploadBytes != newServer.MaxUploadBytes || oldServer.ShutdownTimeout != newServer.ShutdownTimeout ||
		!sameTLS(oldServer.TLS, newServer.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "circuit_breaker")
	}
	if !sameValidation(old.Validation, new.Validation) {
		d.RestartRequired = append(d.RestartRequired, "validation")
	}
	if old.Jobs != new.Jobs {
		d.RestartRequired = append(d.RestartRequired, "jobs")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if !sameStreaming(old.Streaming, new.Streaming) {
		d.RestartRequired = append(d.RestartRequired, "streaming")
	}
	if old.Summary != new.Summary {
		d.RestartRequired = append(d.RestartRequired, "summary")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Type != y.Type || x.APIKey != y.APIKey || x.APIKeyEnv != y.APIKeyEnv ||
			x.BaseURL != y.BaseURL || x.Model != y.Model || x.Language != y.Language || x.Timeout != y.Timeout ||
			!reflect.DeepEqual(x.Options, y.Options) {
			return false
		}
	}
	return true
}

func sameValidation(a, b ValidationConfig) bool {
	return slices.Equal(a.AllowedTypes, b.AllowedTypes) && slices.Equal(a.SampleRates, b.SampleRates) &&
		a.MinBytes == b.MinBytes && a.MaxBytes == b.MaxBytes &&
		a.MinDuration == b.MinDuration && a.MaxDuration == b.MaxDuration &&
		a.MinSampleRate == b.MinSampleRate
}

func sameStreaming(a, b StreamingConfig) bool {
	return a.Provider == b.Provider && slices.Equal(a.Live, b.Live) &&
		a.ChunkBytes == b.ChunkBytes && a.MaxBufferBytes == b.MaxBufferBytes &&
		a.IdleTimeout == b.IdleTimeout && a.SampleRate == b.SampleRate && a.Channels == b.Channels &&
		a.TranscribeSampleRate == b.TranscribeSampleRate
}
