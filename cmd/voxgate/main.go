// Command voxgate runs the speech-to-text gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxgate/pkg/provider/stt/elevenlabs"
	"github.com/MrWong99/voxgate/pkg/provider/stt/google"
	"github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/provider/stt/openai"
	"github.com/MrWong99/voxgate/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and retry policy when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	otelMetrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLevelVar(level),
		app.WithTelemetry(otelMetrics),
		app.WithPrometheus(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if *watch {
		if err := application.WatchConfig(*configPath); err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers a factory for every adapter that ships
// with voxgate. deepgram and whisper also support live streaming.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTranscriber("openai", func(e config.ProviderEntry) (stt.Transcriber, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, openai.WithLanguage(e.Language))
		}
		return openai.New(e.Credential(), opts...), nil
	})

	reg.RegisterTranscriber("deepgram", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return newDeepgram(e), nil
	})
	reg.RegisterStream("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		return newDeepgram(e), nil
	})

	reg.RegisterTranscriber("whisper", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return newWhisper(e)
	})
	reg.RegisterStream("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return newWhisper(e)
	})

	reg.RegisterTranscriber("elevenlabs", func(e config.ProviderEntry) (stt.Transcriber, error) {
		var opts []elevenlabs.Option
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, elevenlabs.WithLanguage(e.Language))
		}
		return elevenlabs.New(e.Credential(), opts...), nil
	})

	reg.RegisterTranscriber("google", func(e config.ProviderEntry) (stt.Transcriber, error) {
		var opts []google.Option
		if e.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(e.BaseURL))
		}
		if e.Language != "" {
			opts = append(opts, google.WithLanguage(e.Language))
		}
		return google.New(e.Credential(), opts...), nil
	})

	// mock answers every call with options.text. Useful for smoke tests of
	// a deployment without vendor credentials.
	reg.RegisterTranscriber("mock", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return &mock.Transcriber{Script: []mock.Outcome{{Text: e.StringOption("text")}}}, nil
	})
}

func newDeepgram(e config.ProviderEntry) *deepgram.Provider {
	var opts []deepgram.Option
	if e.BaseURL != "" {
		opts = append(opts, deepgram.WithBaseURL(e.BaseURL))
	}
	if e.Model != "" {
		opts = append(opts, deepgram.WithModel(e.Model))
	}
	if e.Language != "" {
		opts = append(opts, deepgram.WithLanguage(e.Language))
	}
	return deepgram.New(e.Credential(), opts...)
}

func newWhisper(e config.ProviderEntry) (*whisper.Provider, error) {
	var opts []whisper.Option
	if e.Model != "" {
		opts = append(opts, whisper.WithModel(e.Model))
	}
	if e.Language != "" {
		opts = append(opts, whisper.WithLanguage(e.Language))
	}
	if ms, err := intOption(e, "silence_threshold_ms"); err != nil {
		return nil, err
	} else if ms > 0 {
		opts = append(opts, whisper.WithSilenceThresholdMs(ms))
	}
	return whisper.New(e.BaseURL, opts...), nil
}

// intOption reads an integer adapter option. YAML numbers decode as int;
// quoted values are parsed.
func intOption(e config.ProviderEntry, key string) (int, error) {
	switch v := e.Options[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("provider %q: options.%s: %w", e.Name, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("provider %q: options.%s must be an integer, got %T", e.Name, key, v)
	}
}

// newLogger builds the process logger. level is shared with the app so
// that config reloads can change it.
func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
