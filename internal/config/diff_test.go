package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

const diffBaseYAML = `
providers:
  - name: openai
    api_key: k
  - name: deepgram
    api_key: k
`

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(mustLoad(t, diffBaseYAML), mustLoad(t, diffBaseYAML))
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, diffBaseYAML)
	updated := mustLoad(t, diffBaseYAML)
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not detected: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RetryChanged(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, diffBaseYAML)
	updated := mustLoad(t, diffBaseYAML)
	updated.Retry.BaseDelay = 2 * time.Second

	d := config.Diff(old, updated)
	if !d.RetryChanged || d.NewRetry.BaseDelay != 2*time.Second {
		t.Errorf("retry change not detected: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, diffBaseYAML)
	updated := mustLoad(t, diffBaseYAML)
	updated.Providers[0], updated.Providers[1] = updated.Providers[1], updated.Providers[0]
	updated.Server.ListenAddr = ":9999"
	updated.Validation.AllowedTypes = append(updated.Validation.AllowedTypes, "flac")
	updated.Jobs.Workers = 16
	updated.Streaming.Live = []string{"deepgram"}

	d := config.Diff(old, updated)
	for _, want := range []string{"server", "providers", "validation", "jobs", "streaming"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "history") {
		t.Errorf("history did not change but is listed: %v", d.RestartRequired)
	}
}

func TestDiff_ProviderOptionsCompared(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, diffBaseYAML)
	updated := mustLoad(t, diffBaseYAML)
	updated.Providers[0].Options = map[string]any{"prompt": "medical"}

	d := config.Diff(old, updated)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("options change not detected: %v", d.RestartRequired)
	}
}
