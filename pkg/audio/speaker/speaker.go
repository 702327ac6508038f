// Package speaker implements [audio.Output] on top of
// github.com/ebitengine/oto/v3.
//
// Each opened [Sink] owns one oto player that pulls from a sample timeline.
// Scheduled buffers are mixed into the timeline at their start offset, so
// back-to-back buffers play without a gap and a stopped buffer goes silent
// on the next device read. [Sink.Flush] additionally drops whatever the
// player has buffered. The sink's clock is the number of sample frames handed
// to the player, which is the earliest position a new buffer can occupy and
// keeps scheduling on the host output timeline rather than the wall clock.
package speaker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Output)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Output opens sinks on the default system speaker. oto allows a single
// context per process, so the context is created on the first Open and shared
// by every sink that follows.
type Output struct {
	format     audio.Format
	bufferSize time.Duration

	once   sync.Once
	ctx    *oto.Context
	ready  chan struct{}
	ctxErr error
}

// Option is a functional option for [New].
type Option func(*Output)

// WithFormat sets the device output format. Default: 24 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(o *Output) { o.format = f }
}

// WithBufferSize sets the device buffer length. Smaller values lower latency
// at the risk of underruns. Default: 100ms.
func WithBufferSize(d time.Duration) Option {
	return func(o *Output) { o.bufferSize = d }
}

// New returns a speaker output with the given options applied.
func New(opts ...Option) *Output {
	o := &Output{
		format:     audio.Format{SampleRate: 24000, Channels: 1},
		bufferSize: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open implements [audio.Output].
func (o *Output) Open(ctx context.Context) (audio.Sink, error) {
	if err := o.format.Validate(); err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	o.once.Do(func() {
		o.ctx, o.ready, o.ctxErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   o.format.SampleRate,
			ChannelCount: o.format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   o.bufferSize,
		})
	})
	if o.ctxErr != nil {
		return nil, fmt.Errorf("speaker: open device: %w", o.ctxErr)
	}
	select {
	case <-o.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("speaker: wait for device: %w", ctx.Err())
	}

	tl := newTimeline(o.format)
	player := o.ctx.NewPlayer(tl)
	s := &Sink{timeline: tl, player: player}
	player.Play()

	slog.Info("speaker: sink opened",
		"format", o.format.String(),
		"buffer", o.bufferSize,
	)
	return s, nil
}

// Sink is an open speaker timeline.
type Sink struct {
	timeline *timeline
	player   *oto.Player

	closeOnce sync.Once
	closeErr  error
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.timeline.format }

// Now implements [audio.Clock].
func (s *Sink) Now() time.Duration { return s.timeline.now() }

// Schedule implements [audio.Sink]. Buffers in a different format are
// converted to the device format first.
func (s *Sink) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnd func()) (audio.PlaybackHandle, error) {
	pcm := buf.Data
	if buf.Format != s.timeline.format {
		pcm = audio.ConvertPCM(pcm, buf.Format, s.timeline.format)
	}
	v, err := s.timeline.add(pcm, at, onEnd)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Flush implements [audio.Sink]. Seeking the player to the current position
// discards its internal buffer; the timeline keeps its position.
func (s *Sink) Flush() {
	if s.player == nil {
		return
	}
	if _, err := s.player.Seek(0, io.SeekCurrent); err != nil {
		slog.Warn("speaker: flush failed", "err", err)
	}
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.timeline.close()
		if err := s.player.Close(); err != nil {
			s.closeErr = fmt.Errorf("speaker: close player: %w", err)
		}
		slog.Info("speaker: sink closed")
	})
	return s.closeErr
}
