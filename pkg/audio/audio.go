// Package audio defines the PCM data types and device contracts shared by the
// capture and playback edges of the duplex voice pipeline.
//
// The primary abstractions are:
//
//   - [Capture] acquires an input device and emits fixed-size [AudioFrame]
//     values in capture order until its [CaptureStream] is stopped.
//   - [Output] opens a [Sink], a device-backed playback timeline that can
//     start a [PlaybackBuffer] at an exact point on its [Clock] and stop it
//     again instantly.
//
// Device adapters live in sub-packages (audio/mic, audio/speaker). The interfaces
// are intentionally narrow so the pipeline can be driven by in-memory fakes in
// tests (see audio/mock).
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCaptureDenied is returned when the capture device cannot be acquired,
	// either because permission was refused or because no device is present.
	ErrCaptureDenied = errors.New("audio: capture device unavailable")

	// ErrDecode is returned when an inbound payload cannot be turned into a
	// playable buffer.
	ErrDecode = errors.New("audio: decode failed")

	// ErrSinkClosed is returned by [Sink.Schedule] after the sink was closed.
	ErrSinkClosed = errors.New("audio: sink closed")
)

// Clock reports the earliest position on the playback timeline at which a
// buffer can still be placed. Values are monotonic non-decreasing and start at
// zero when the owning [Sink] is opened.
type Clock interface {
	Now() time.Duration
}

// CaptureStream is a running capture returned by [Capture.Start].
type CaptureStream interface {
	// Stop halts the device and releases it. A trailing partial frame is
	// discarded. Stop is idempotent; later calls return nil.
	Stop() error
}

// Capture acquires an audio input device.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Start acquires the device and begins invoking emit with consecutive
	// frames in capture order. emit is called from a device goroutine and must
	// not block. A failure to acquire the device is reported as an error
	// wrapping [ErrCaptureDenied].
	Start(ctx context.Context, emit func(AudioFrame)) (CaptureStream, error)
}

// PlaybackHandle controls one buffer that was handed to [Sink.Schedule].
type PlaybackHandle interface {
	// Stop silences the buffer immediately whether or not it has started.
	// The end callback passed to Schedule is not invoked for a stopped buffer.
	// Stop is idempotent.
	Stop()

	// Start reports where the buffer was actually placed. A sink moves a
	// position that already passed up to the earliest free position, so this
	// may be later than the position requested.
	Start() time.Duration
}

// Sink is an open playback device with a sample-accurate timeline.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Clock

	// Format reports the device's native output format.
	Format() Format

	// Schedule arranges for buf to start at the timeline position at. A
	// position already in the past starts as soon as possible. onEnd, if
	// non-nil, runs once after the buffer finishes playing naturally; it may be
	// invoked on any goroutine.
	Schedule(buf PlaybackBuffer, at time.Duration, onEnd func()) (PlaybackHandle, error)

	// Flush discards audio already handed to the device but not yet heard,
	// so stopped buffers fall silent at once. Callers must not hold locks that
	// an end callback takes.
	Flush()

	// Close stops every scheduled buffer and releases the device. Close is
	// idempotent.
	Close() error
}

// Output opens playback sinks.
type Output interface {
	// Open acquires the playback device. The returned sink's clock starts at
	// zero.
	Open(ctx context.Context) (Sink, error)
}
