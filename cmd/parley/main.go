// Command parley runs a real-time duplex voice conversation between the local
// microphone and speaker and a remote speech-to-speech model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/duplex"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mic"
	"github.com/MrWong99/parley/pkg/audio/speaker"
	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/link/genailive"
	"github.com/MrWong99/parley/pkg/link/wslink"
	"github.com/MrWong99/parley/pkg/protocol/gemini"
	"github.com/MrWong99/parley/pkg/protocol/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration (and watch it) ─────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"link", cfg.Session.Link,
		"model", cfg.Session.Model,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Link registry ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinLinks(reg)

	l, err := reg.CreateLink(cfg.Session)
	if err != nil {
		slog.Error("failed to create link", "err", err, "available", reg.Links())
		return 1
	}

	// ── Controller ────────────────────────────────────────────────────────────
	ctrl, err := duplex.New(duplex.Config{
		Link: link.Config{
			Endpoint:         cfg.Session.Endpoint,
			AuthToken:        cfg.Session.APIKey,
			Model:            cfg.Session.Model,
			Voice:            cfg.Session.Voice,
			Instructions:     cfg.Session.Instructions,
			InputSampleRate:  l.Protocol.InputFormat().SampleRate,
			OutputSampleRate: cfg.Playback.SampleRate,
		},
		ConnectTimeout: cfg.Session.ConnectTimeout,
		OutboxSize:     cfg.Pipeline.OutboxSize,
	}, duplex.Deps{
		Capture: mic.New(
			mic.WithFormat(audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}),
			mic.WithFrameSamples(cfg.Capture.FrameSamples),
		),
		Output: speaker.New(
			speaker.WithFormat(audio.Format{SampleRate: cfg.Playback.SampleRate, Channels: cfg.Playback.Channels}),
			speaker.WithBufferSize(cfg.Playback.Buffer),
		),
		Dialer:   l.Dialer,
		Protocol: l.Protocol,
	},
		duplex.WithMetrics(metrics),
		duplex.WithOnTranscriptUpdate(printEntry),
		duplex.WithOnStateChange(func(s duplex.State) {
			slog.Info("session state", "state", s)
		}),
	)
	if err != nil {
		slog.Error("failed to create controller", "err", err)
		return 1
	}

	// ── HTTP listener (metrics + health) ──────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = newHTTPServer(cfg.Server.ListenAddr, metrics, ctrl)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http listener error", "err", err)
			}
		}()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("session failed to start", "err", err)
		code = 1
	} else {
		slog.Info("session live; speak into the microphone, Ctrl+C to quit")
		<-ctrl.Done()
		if err := ctrl.Err(); err != nil {
			slog.Error("session ended with error", "err", err)
			code = 1
		}
	}
	_ = ctrl.Stop()

	st := ctrl.Stats()
	slog.Info("session summary",
		"frames_sent", st.FramesSent,
		"frames_dropped", st.FramesDropped,
		"messages", st.Messages,
		"buffers_scheduled", st.Playback.Scheduled,
		"buffers_interrupted", st.Playback.Interrupted,
		"turns", len(ctrl.Transcript()),
	)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return code
}

// ── Link wiring ───────────────────────────────────────────────────────────────

// registerBuiltinLinks wires the links that ship with parley into reg.
func registerBuiltinLinks(reg *config.Registry) {
	reg.RegisterLink("gemini-live", func(config.SessionConfig) (config.Link, error) {
		p := gemini.New()
		return config.Link{Dialer: wslink.New(p), Protocol: p}, nil
	})
	reg.RegisterLink("openai-realtime", func(config.SessionConfig) (config.Link, error) {
		p := openai.New()
		return config.Link{Dialer: wslink.New(p), Protocol: p}, nil
	})
	// genai-live speaks the Gemini wire format through the official SDK
	// instead of a raw websocket.
	reg.RegisterLink("genai-live", func(config.SessionConfig) (config.Link, error) {
		return config.Link{Dialer: genailive.New(), Protocol: gemini.New()}, nil
	})
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newHTTPServer(addr string, metrics *observe.Metrics, ctrl *duplex.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.StateCheck("session", func() string { return ctrl.State().String() }, duplex.Connected.String()),
	).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable part of a config change.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart parley to apply", "sections", d.RestartRequired)
	}
}

// printEntry writes finalized transcript entries to stdout.
func printEntry(e transcript.Entry) {
	if !e.IsFinal {
		return
	}
	if e.Interrupted {
		fmt.Printf("[%s] %s (interrupted)\n", e.Speaker, e.Text)
		return
	}
	fmt.Printf("[%s] %s\n", e.Speaker, e.Text)
}
