// Package mic implements [audio.Capture] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// The device delivers PCM16 in whatever period size the host backend
// chooses; an [audio.Framer] regroups those callbacks into fixed-size frames
// before they reach the pipeline.
package mic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Capture = (*Capture)(nil)

// Capture opens the default system microphone.
type Capture struct {
	format       audio.Format
	frameSamples int
	periodMS     uint32
	backends     []malgo.Backend
}

// Option is a functional option for [New].
type Option func(*Capture)

// WithFormat sets the capture sample rate and channel count.
// Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(c *Capture) { c.format = f }
}

// WithFrameSamples sets the samples per channel in every emitted frame.
// Default: [audio.DefaultFrameSamples].
func WithFrameSamples(n int) Option {
	return func(c *Capture) { c.frameSamples = n }
}

// WithPeriod sets the device callback period in milliseconds. Default: 20.
func WithPeriod(ms uint32) Option {
	return func(c *Capture) { c.periodMS = ms }
}

// WithBackends restricts miniaudio to the given host backends, in priority
// order. By default miniaudio probes every backend available on the platform.
func WithBackends(b ...malgo.Backend) Option {
	return func(c *Capture) { c.backends = b }
}

// New returns a microphone capture with the given options applied.
func New(opts ...Option) *Capture {
	c := &Capture{
		format:       audio.Format{SampleRate: 16000, Channels: 1},
		frameSamples: audio.DefaultFrameSamples,
		periodMS:     20,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start implements [audio.Capture]. Any failure to initialise or start the
// device wraps [audio.ErrCaptureDenied].
func (c *Capture) Start(_ context.Context, emit func(audio.AudioFrame)) (audio.CaptureStream, error) {
	if err := c.format.Validate(); err != nil {
		return nil, fmt.Errorf("mic: %w: %w", audio.ErrCaptureDenied, err)
	}

	mctx, err := malgo.InitContext(c.backends, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("mic: init context: %w: %w", audio.ErrCaptureDenied, err)
	}

	s := &stream{
		mctx:   mctx,
		framer: audio.NewFramer(c.format, c.frameSamples, emit),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = c.periodMS

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		s.releaseContext()
		return nil, fmt.Errorf("mic: init device: %w: %w", audio.ErrCaptureDenied, err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		s.releaseContext()
		return nil, fmt.Errorf("mic: start device: %w: %w", audio.ErrCaptureDenied, err)
	}

	slog.Info("mic: capture started",
		"format", c.format.String(),
		"frame_samples", c.frameSamples,
		"period_ms", c.periodMS,
	)
	return s, nil
}

// stream is one running capture device.
type stream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	framer *audio.Framer

	mu      sync.Mutex
	stopped bool
}

func (s *stream) onData(_, input []byte, _ uint32) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.framer.Write(input)
}

// Stop implements [audio.CaptureStream].
func (s *stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var stopErr error
	if err := s.device.Stop(); err != nil {
		stopErr = fmt.Errorf("mic: stop device: %w", err)
	}
	s.device.Uninit()
	s.framer.Discard()
	s.releaseContext()
	slog.Info("mic: capture stopped")
	return stopErr
}

func (s *stream) releaseContext() {
	if err := s.mctx.Uninit(); err != nil {
		slog.Warn("mic: uninit context", "err", err)
	}
	s.mctx.Free()
}
