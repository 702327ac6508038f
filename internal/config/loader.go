package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLink           = "gemini-live"
	DefaultConnectTimeout = 15 * time.Second
	DefaultCaptureRate    = 16000
	DefaultFrameSamples   = 4096
	DefaultPlaybackRate   = 24000
	DefaultPlaybackBuffer = 100 * time.Millisecond
	DefaultOutboxSize     = 64
)

// ValidLinkNames lists the link names that ship with parley. Used by
// [Validate] to warn about unrecognised names.
var ValidLinkNames = []string{"gemini-live", "openai-realtime", "genai-live"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Session.APIKey = os.ExpandEnv(cfg.Session.APIKey)
	cfg.Session.Endpoint = os.ExpandEnv(cfg.Session.Endpoint)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Link == "" {
		cfg.Session.Link = DefaultLink
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Capture.FrameSamples == 0 {
		cfg.Capture.FrameSamples = DefaultFrameSamples
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = 1
	}
	if cfg.Playback.Buffer == 0 {
		cfg.Playback.Buffer = DefaultPlaybackBuffer
	}
	if cfg.Pipeline.OutboxSize == 0 {
		cfg.Pipeline.OutboxSize = DefaultOutboxSize
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	if cfg.Session.Link != "" && !slices.Contains(ValidLinkNames, cfg.Session.Link) {
		slog.Warn("unknown link name, may be a typo or third-party link",
			"name", cfg.Session.Link,
			"known", ValidLinkNames,
		)
	}
	if cfg.Session.APIKey == "" {
		errs = append(errs, errors.New("session.api_key is required"))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}

	// Devices
	errs = append(errs, validateDevice("capture", cfg.Capture.SampleRate, cfg.Capture.Channels)...)
	errs = append(errs, validateDevice("playback", cfg.Playback.SampleRate, cfg.Playback.Channels)...)
	if cfg.Capture.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_samples %d must not be negative", cfg.Capture.FrameSamples))
	}
	if cfg.Playback.Buffer < 0 {
		errs = append(errs, fmt.Errorf("playback.buffer %s must not be negative", cfg.Playback.Buffer))
	}

	// Pipeline
	if cfg.Pipeline.OutboxSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.outbox_size %d must not be negative", cfg.Pipeline.OutboxSize))
	}

	return errors.Join(errs...)
}

func validateDevice(section string, rate, channels int) []error {
	var errs []error
	if rate != 0 && (rate < 8000 || rate > 192000) {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", section, rate))
	}
	if channels != 0 && channels != 1 && channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", section, channels))
	}
	return errs
}
