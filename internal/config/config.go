// Package config provides the configuration schema, loader, link registry,
// and file watcher for parley.
package config

import (
	"log/slog"
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

// Level converts l to a [slog.Level]. Unknown and empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz, and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig selects and configures the remote voice session.
type SessionConfig struct {
	// Link selects the registered link implementation (e.g., "gemini-live").
	Link string `yaml:"link"`

	// Endpoint overrides the link's default URL. Leave empty for the
	// built-in default.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates the session. ${VAR} references are expanded from
	// the environment.
	APIKey string `yaml:"api_key"`

	// Model selects the remote model.
	Model string `yaml:"model"`

	// Voice selects the remote voice preset, if the link supports one.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent at session setup.
	Instructions string `yaml:"instructions"`

	// ConnectTimeout bounds the dial and handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// SampleRate is the device capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count (1 or 2).
	Channels int `yaml:"channels"`

	// FrameSamples is the number of samples per channel in each emitted frame.
	FrameSamples int `yaml:"frame_samples"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// SampleRate is the device output rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count (1 or 2).
	Channels int `yaml:"channels"`

	// Buffer is the device buffer length. Shorter buffers make barge-in
	// snappier at the cost of underrun risk.
	Buffer time.Duration `yaml:"buffer"`
}

// PipelineConfig tunes the in-process queues.
type PipelineConfig struct {
	// OutboxSize bounds the number of encoded frames waiting to be sent.
	OutboxSize int `yaml:"outbox_size"`
}
