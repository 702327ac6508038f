// Package playback schedules inbound model audio onto a playback sink so that
// consecutive buffers play back to back without gaps or overlaps, and so that
// a barge-in silences everything at once.
//
// The scheduler keeps a single cursor, the next start time. Each buffer starts
// at max(nextStart, clock.Now()) and advances the cursor by its own duration.
// When audio arrives faster than real time the queue builds ahead of the
// clock; when it arrives late (network stall) the cursor has fallen behind
// and the buffer starts immediately. Interrupt stops every in-flight buffer
// and snaps the cursor back to the clock.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/protocol"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Scheduled    int64
	Interrupted  int64
	DecodeErrors int64
	InFlight     int
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithMetrics records scheduling activity on m. Default: no metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the scheduler's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler places audio payloads on a sink's timeline.
//
// All methods are safe for concurrent use. Sink end callbacks may arrive on
// any goroutine.
type Scheduler struct {
	sink    audio.Sink
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	inflight  map[uint64]audio.PlaybackHandle
	seq       uint64
	closed    bool
	stats     Stats
}

// New creates a scheduler over sink. The cursor starts at the sink's current
// clock reading.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:      sink,
		log:       slog.Default(),
		nextStart: sink.Now(),
		inflight:  make(map[uint64]audio.PlaybackHandle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes p and schedules it to start at max(nextStart, now). It
// returns the start time the sink actually chose, which is where the cursor
// advances from. A payload that cannot be decoded returns an error wrapping
// [audio.ErrDecode] and leaves the schedule untouched.
func (s *Scheduler) Schedule(p protocol.AudioPayload) (time.Duration, error) {
	buf, err := audio.DecodePCM16(p.Data, p.Format)
	if err != nil {
		s.mu.Lock()
		s.stats.DecodeErrors++
		s.mu.Unlock()
		return 0, fmt.Errorf("playback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.sink.Now()
	startAt := max(s.nextStart, now)

	id := s.seq
	s.seq++
	h, err := s.sink.Schedule(buf, startAt, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	if placed := h.Start(); placed != startAt {
		s.log.Debug("playback: sink moved start", "requested", startAt, "placed", placed)
		startAt = placed
	}
	s.inflight[id] = h
	s.nextStart = startAt + buf.Duration()
	s.stats.Scheduled++

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.BuffersScheduled.Add(ctx, 1)
		s.metrics.ScheduleLead.Record(ctx, (startAt - now).Seconds())
	}
	return startAt, nil
}

// ended removes a buffer that finished naturally.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Interrupt hard-stops every in-flight buffer, empties the arena, flushes
// audio the device already buffered, and resets the cursor to the clock's
// current reading so the next buffer plays immediately. It returns the number
// of buffers stopped.
//
// Interrupt and Schedule must be called from one goroutine: the flush runs
// after the lock is released, so a Schedule racing it could be flushed too.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := s.stopAllLocked()
	s.nextStart = s.sink.Now()
	s.mu.Unlock()

	if n > 0 {
		// The sink may run end callbacks while flushing, and those take mu.
		s.sink.Flush()
		s.log.Debug("playback: interrupted", "stopped", n)
	}
	return n
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.inflight)
	for id, h := range s.inflight {
		h.Stop()
		delete(s.inflight, id)
	}
	s.stats.Interrupted += int64(n)
	if s.metrics != nil && n > 0 {
		s.metrics.BuffersInterrupted.Add(context.Background(), int64(n))
	}
	return n
}

// NextStartTime returns the cursor.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// InFlight returns how many scheduled buffers have neither ended nor been
// stopped.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.InFlight = len(s.inflight)
	return st
}

// Close stops every in-flight buffer, flushes the device, and rejects further
// scheduling. It does not close the sink. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	n := s.stopAllLocked()
	s.mu.Unlock()

	if n > 0 {
		s.sink.Flush()
	}
}
