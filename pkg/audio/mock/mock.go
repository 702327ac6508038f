// Package mock provides in-memory implementations of the [audio.Capture],
// [audio.Output], [audio.Sink], and [audio.Clock] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	clock := &mock.Clock{}
//	sink := &mock.Sink{Clock: clock}
//	out := &mock.Output{Sink: sink}
//	capture := &mock.Capture{}
//	// ... start the pipeline, then drive it:
//	capture.Emit(audio.AudioFrame{...})
//	clock.Advance(100 * time.Millisecond)
//	sink.Finish(0) // first scheduled buffer ends naturally
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually advanced [audio.Clock]. The zero value reads zero.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

var _ audio.Clock = (*Clock)(nil)

// Now implements [audio.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Set moves the clock to t. Tests must keep t non-decreasing.
func (c *Clock) Set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Frames are injected with [Capture.Emit]
// while a stream is running.
type Capture struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	// StopError is returned by the stream's first Stop call.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times the stream's Stop was called,
	// including repeated calls.
	CallCountStop int

	emit    func(audio.AudioFrame)
	running bool
}

var _ audio.Capture = (*Capture)(nil)

// Start implements [audio.Capture].
func (c *Capture) Start(_ context.Context, emit func(audio.AudioFrame)) (audio.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return nil, c.StartError
	}
	c.emit = emit
	c.running = true
	return &captureStream{c: c}, nil
}

// Emit delivers frame to the running stream's callback. It reports false when
// no stream is running.
func (c *Capture) Emit(frame audio.AudioFrame) bool {
	c.mu.Lock()
	emit, running := c.emit, c.running
	c.mu.Unlock()
	if !running || emit == nil {
		return false
	}
	emit(frame)
	return true
}

// Running reports whether a started stream has not been stopped yet.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stops returns CallCountStop under the lock.
func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStop
}

type captureStream struct {
	c    *Capture
	once sync.Once
}

func (s *captureStream) Stop() error {
	s.c.mu.Lock()
	s.c.CallCountStop++
	s.c.mu.Unlock()

	var err error
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.running = false
		s.c.emit = nil
		err = s.c.StopError
		s.c.mu.Unlock()
	})
	return err
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Scheduled records one call to [Sink.Schedule].
type Scheduled struct {
	Buffer audio.PlaybackBuffer

	// Requested is the position passed to Schedule; At is where the buffer
	// was placed after applying [Sink.MinStart].
	Requested time.Duration
	At        time.Duration

	Stopped bool
	Ended   bool

	onEnd func()
}

// Sink is a mock [audio.Sink] whose timeline is driven by an embedded [Clock].
// Buffers never end on their own; tests call [Sink.Finish].
type Sink struct {
	*Clock

	mu sync.Mutex

	// SinkFormat is returned by Format. Defaults to 24 kHz mono.
	SinkFormat audio.Format

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// MinStart, when positive, is the earliest position Schedule will place a
	// buffer at. Earlier requests are moved up to it, like a device that has
	// already consumed that part of its timeline.
	MinStart time.Duration

	schedules []*Scheduled
	closed    bool
}

var _ audio.Sink = (*Sink)(nil)

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinkFormat == (audio.Format{}) {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return s.SinkFormat
}

// Now implements [audio.Clock]. A Sink without a Clock reads zero.
func (s *Sink) Now() time.Duration {
	if s.Clock == nil {
		return 0
	}
	return s.Clock.Now()
}

// Schedule implements [audio.Sink].
func (s *Sink) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnd func()) (audio.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrSinkClosed
	}
	if s.ScheduleError != nil {
		return nil, s.ScheduleError
	}
	rec := &Scheduled{Buffer: buf, Requested: at, At: max(at, s.MinStart), onEnd: onEnd}
	s.schedules = append(s.schedules, rec)
	return &handle{s: s, rec: rec}, nil
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() {
	s.mu.Lock()
	s.CallCountFlush++
	s.mu.Unlock()
}

// Flushes returns CallCountFlush under the lock.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	for _, rec := range s.schedules {
		if !rec.Ended {
			rec.Stopped = true
		}
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Schedules returns a snapshot of every Schedule call in order.
func (s *Sink) Schedules() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, len(s.schedules))
	for i, rec := range s.schedules {
		out[i] = *rec
		out[i].onEnd = nil
	}
	return out
}

// Finish simulates the i-th scheduled buffer ending naturally. It is a no-op
// for buffers that were stopped or already ended.
func (s *Sink) Finish(i int) {
	s.mu.Lock()
	if i < 0 || i >= len(s.schedules) {
		s.mu.Unlock()
		return
	}
	rec := s.schedules[i]
	if rec.Stopped || rec.Ended {
		s.mu.Unlock()
		return
	}
	rec.Ended = true
	onEnd := rec.onEnd
	s.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
}

type handle struct {
	s   *Sink
	rec *Scheduled
}

func (h *handle) Start() time.Duration {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.rec.At
}

func (h *handle) Stop() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if !h.rec.Ended {
		h.rec.Stopped = true
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output] that hands out a preconfigured Sink.
type Output struct {
	mu sync.Mutex

	// Sink is returned by Open. When nil, Open creates a Sink with a fresh
	// Clock.
	Sink *Sink

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

var _ audio.Output = (*Output)(nil)

// Open implements [audio.Output].
func (o *Output) Open(_ context.Context) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpen++
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	if o.Sink == nil {
		o.Sink = &Sink{Clock: &Clock{}}
	}
	return o.Sink, nil
}
