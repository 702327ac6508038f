// Package duplex runs one real-time voice session end to end.
//
// A [Controller] owns every resource of the session: the capture stream, the
// playback sink, the session link, the playback scheduler, and the
// transcript aggregator. Nothing else releases them. Three execution
// contexts run concurrently once the session is Connected:
//
//   - the capture callback encodes frames into a bounded outbox that drops
//     its oldest entry when the network falls behind;
//   - the link's message handler demuxes raw messages into an unbounded
//     inbox and returns at once;
//   - two controller goroutines drain those queues, one sending frames and
//     one dispatching chunks to the scheduler and the aggregator.
//
// Teardown runs exactly once regardless of how many stop requests, context
// cancellations, and transport failures race for it.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/protocol"
)

const (
	// DefaultConnectTimeout bounds how long Start waits for the session link.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultOutboxSize is the number of encoded frames buffered while the
	// link is slow. At 4096 samples per 16 kHz frame this is about 16 s.
	DefaultOutboxSize = 64
)

// Config holds the per-session settings of a [Controller].
type Config struct {
	// Link is passed to the dialer unchanged.
	Link link.Config

	// ConnectTimeout bounds the dial and handshake. Default:
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// OutboxSize bounds the outbound frame queue. Default: [DefaultOutboxSize].
	OutboxSize int
}

// Deps are the collaborators a [Controller] drives. All fields are required.
type Deps struct {
	Capture  audio.Capture
	Output   audio.Output
	Dialer   link.Dialer
	Protocol protocol.Protocol
}

// Stats is a point-in-time snapshot of pipeline activity.
type Stats struct {
	SessionID string
	State     State

	FramesCaptured int64
	FramesSent     int64
	FramesDropped  int64
	EncodeErrors   int64

	Messages int64
	Chunks   map[string]int64

	// AudioPurged counts queued payloads discarded by an interruption before
	// they reached the scheduler.
	AudioPurged int64

	Playback playback.Stats
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithLogger sets the controller's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics records pipeline activity on m. Default: no metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnStateChange registers fn to receive every state change in order.
// fn must not call [Controller.Stop] synchronously.
func WithOnStateChange(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithOnTranscriptUpdate registers fn to receive a copy of every transcript
// entry after it changes.
func WithOnTranscriptUpdate(fn func(transcript.Entry)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithOnError registers fn to receive fatal errors. Per-chunk failures are
// only logged and counted.
func WithOnError(fn func(ErrorKind, string)) Option {
	return func(c *Controller) { c.onError = fn }
}

// Controller runs one duplex voice session. A controller is single-use:
// after it reaches Closed a new one must be created.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg  Config
	deps Deps

	log          *slog.Logger
	metrics      *observe.Metrics
	onState      func(State)
	onTranscript func(transcript.Entry)
	onError      func(ErrorKind, string)

	agg    *transcript.Aggregator
	outbox *outbox
	inbox  *inbox
	done   chan struct{}

	// eventMu serialises event delivery so callbacks observe state changes in
	// the order they happened.
	eventMu sync.Mutex

	mu        sync.Mutex
	state     State
	pending   []State
	err       error
	cancel    context.CancelFunc
	halt      func() bool
	stream    audio.CaptureStream
	sink      audio.Sink
	sched     *playback.Scheduler
	session   link.Session
	group     *errgroup.Group
	connected bool
	chunks    map[string]int64

	teardownOnce sync.Once

	framesCaptured atomic.Int64
	framesSent     atomic.Int64
	framesDropped  atomic.Int64
	encodeErrors   atomic.Int64
	messages       atomic.Int64
	audioPurged    atomic.Int64
}

// New creates an Idle controller.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	var errs []error
	if deps.Capture == nil {
		errs = append(errs, errors.New("capture is nil"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("output is nil"))
	}
	if deps.Dialer == nil {
		errs = append(errs, errors.New("dialer is nil"))
	}
	if deps.Protocol == nil {
		errs = append(errs, errors.New("protocol is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("duplex: new: %w", err)
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}

	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		log:    slog.Default(),
		outbox: newOutbox(cfg.OutboxSize),
		inbox:  newInbox(),
		done:   make(chan struct{}),
		chunks: make(map[string]int64),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("protocol", deps.Protocol.Name())

	aggOpts := []transcript.Option{transcript.WithMetrics(c.metrics)}
	if c.onTranscript != nil {
		aggOpts = append(aggOpts, transcript.WithOnUpdate(c.onTranscript))
	}
	c.agg = transcript.New(aggOpts...)
	return c, nil
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Start acquires capture, playback, and the session link, in that order, and
// returns once the controller is Connected or has failed. On failure the
// controller has already been torn down and the returned error wraps a
// [*SessionError].
//
// Cancelling ctx at any point, during Start or afterwards, halts the session
// the same way [Controller.Stop] does.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.flushEvents()

	halt := context.AfterFunc(ctx, func() {
		c.log.Warn("duplex: halt requested", "cause", context.Cause(ctx))
		_ = c.Stop()
	})
	c.mu.Lock()
	c.halt = halt
	c.mu.Unlock()

	stream, err := c.deps.Capture.Start(runCtx, c.handleFrame)
	if err != nil {
		return c.abort(CaptureDenied, fmt.Errorf("start capture: %w", err))
	}
	if c.stash(func() { c.stream = stream }) {
		return c.abandon()
	}

	sink, err := c.deps.Output.Open(runCtx)
	if err != nil {
		return c.abort(OutputUnavailable, fmt.Errorf("open output: %w", err))
	}
	sched := playback.New(sink, playback.WithMetrics(c.metrics), playback.WithLogger(c.log))
	if c.stash(func() { c.sink, c.sched = sink, sched }) {
		return c.abandon()
	}

	sess, err := c.connect(runCtx)
	if err != nil {
		if c.stopRequested() {
			return c.abandon()
		}
		return c.abort(ConnectionError, err)
	}
	if c.stash(func() { c.session = sess }) {
		return c.abandon()
	}
	sess.OnMessage(c.handleMessage)

	// The group is stored before any goroutine starts so that teardown
	// always waits for all of them.
	g, gctx := errgroup.WithContext(runCtx)
	c.mu.Lock()
	c.group = g
	g.Go(func() error { return c.sendLoop(sess) })
	g.Go(func() error { return c.dispatchLoop(sched) })
	g.Go(func() error { return c.watch(gctx, sess) })
	if c.state != Connecting {
		// Stop or a transport failure got here first.
		stopped := c.state == Closing
		err := c.err
		c.mu.Unlock()
		if stopped {
			return c.abandon()
		}
		<-c.done
		return err
	}
	c.connected = true
	c.setStateLocked(Connected)
	c.mu.Unlock()
	c.flushEvents()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	c.log.Info("duplex: session connected", "session_id", sess.ID())
	return nil
}

// connect dials the session link under the connect timeout.
func (c *Controller) connect(ctx context.Context) (link.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "duplex.connect")
	defer span.End()

	log := observe.Logger(ctx, c.log)
	start := time.Now()
	sess, err := c.deps.Dialer.Connect(ctx, c.cfg.Link)
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.ConnectDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		log.Warn("duplex: connect failed", "err", err, "duration", elapsed)
		return nil, fmt.Errorf("connect: %w", err)
	}
	log.Debug("duplex: link dialed", "session_id", sess.ID(), "duration", elapsed)
	return sess, nil
}

// Stop requests teardown and waits until the controller is Closed. Stopping
// a controller that was never started, or one that is already stopping or
// closed, is a no-op. Stop is safe to call from any goroutine, any number of
// times.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return nil
	case Connecting:
		// Start owns teardown until it has stashed every resource.
		c.setStateLocked(Closing)
		c.cancel()
		c.mu.Unlock()
		c.flushEvents()
	case Connected:
		c.setStateLocked(Closing)
		c.mu.Unlock()
		c.flushEvents()
		c.log.Info("duplex: stopping session")
		c.teardown()
	default:
		c.mu.Unlock()
	}
	<-c.done
	return nil
}

// Done is closed once the controller reaches Closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller into Error, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Transcript returns every transcript entry of the session so far.
func (c *Controller) Transcript() []transcript.Entry { return c.agg.History() }

// Stats returns a snapshot of pipeline counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		State:  c.state,
		Chunks: maps.Clone(c.chunks),
	}
	if c.session != nil {
		st.SessionID = c.session.ID()
	}
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		st.Playback = sched.Stats()
	}
	st.FramesCaptured = c.framesCaptured.Load()
	st.FramesSent = c.framesSent.Load()
	st.FramesDropped = c.framesDropped.Load()
	st.EncodeErrors = c.encodeErrors.Load()
	st.Messages = c.messages.Load()
	st.AudioPurged = c.audioPurged.Load()
	return st
}

// stash stores freshly acquired resources. It reports true when a stop
// request arrived meanwhile; the resources are stored either way so that
// teardown releases them.
func (c *Controller) stash(store func()) (stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	store()
	return c.state == Closing
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closing
}

// abandon finishes a Start that lost the race against Stop.
func (c *Controller) abandon() error {
	c.log.Info("duplex: start abandoned by stop request")
	c.teardown()
	return ErrStopped
}

// abort moves a connecting controller to Error, tears down, and returns the
// wrapped failure.
func (c *Controller) abort(kind ErrorKind, err error) error {
	serr := &SessionError{Kind: kind, Err: err}
	if !c.fail(serr) {
		// Stop won the race; the failure is a consequence of it.
		return c.abandon()
	}
	c.teardown()
	return serr
}

// fail records serr and moves the controller to Error. It reports false when
// the controller was already leaving the connected states.
func (c *Controller) fail(serr *SessionError) bool {
	c.mu.Lock()
	if !canTransition(c.state, Error) {
		c.mu.Unlock()
		return false
	}
	c.err = serr
	c.setStateLocked(Error)
	c.mu.Unlock()
	c.flushEvents()

	c.report(serr.Kind, serr.Err)
	return true
}

// teardown releases every resource in order and moves to Closed. Only the
// first call has an effect; later callers return immediately and should
// wait on done.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		stream, sess, sched, sink := c.stream, c.session, c.sched, c.sink
		cancel, halt, group, connected := c.cancel, c.halt, c.group, c.connected
		c.mu.Unlock()

		if stream != nil {
			if err := stream.Stop(); err != nil {
				c.log.Warn("duplex: stop capture", "err", err)
			}
		}
		if n := c.outbox.close(); n > 0 {
			c.framesDropped.Add(int64(n))
			c.log.Debug("duplex: dropped unsent frames", "count", n)
		}
		if sess != nil {
			if err := sess.Close(); err != nil {
				c.log.Warn("duplex: close session", "err", err)
			}
		}
		c.inbox.close()
		if sched != nil {
			sched.Close()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				c.log.Warn("duplex: close output", "err", err)
			}
		}
		if cancel != nil {
			cancel()
		}
		if group != nil {
			_ = group.Wait()
		}
		if halt != nil {
			halt()
		}
		if connected && c.metrics != nil {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		c.mu.Lock()
		c.setStateLocked(Closed)
		c.mu.Unlock()
		c.flushEvents()

		c.log.Info("duplex: session closed",
			"frames_sent", c.framesSent.Load(),
			"frames_dropped", c.framesDropped.Load(),
			"messages", c.messages.Load(),
		)
		close(c.done)
	})
}

// ── Events ────────────────────────────────────────────────────────────────────

// setStateLocked moves to next and queues the change for delivery. Invalid
// edges are ignored. c.mu must be held.
func (c *Controller) setStateLocked(next State) {
	prev := c.state
	if !canTransition(prev, next) {
		c.log.Debug("duplex: ignored transition", "from", prev, "to", next)
		return
	}
	c.state = next
	c.pending = append(c.pending, next)
	if c.metrics != nil {
		c.metrics.RecordTransition(context.Background(), prev.String(), next.String())
	}
}

// flushEvents delivers queued state changes outside c.mu.
func (c *Controller) flushEvents() {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, s := range events {
		c.log.Debug("duplex: state changed", "state", s)
		if c.onState != nil {
			c.onState(s)
		}
	}
}

// report logs and counts a failure, and forwards fatal ones to OnError.
func (c *Controller) report(kind ErrorKind, err error) {
	if c.metrics != nil {
		c.metrics.RecordError(context.Background(), kind.String())
	}
	switch {
	case kind.Fatal():
		c.log.Error("duplex: session failed", "kind", kind, "err", err)
		if c.onError != nil {
			c.onError(kind, err.Error())
		}
	case kind == EncodeError:
		c.log.Error("duplex: frame rejected by encoder", "err", err)
	default:
		c.log.Debug("duplex: chunk dropped", "kind", kind, "err", err)
	}
}

// ── Outbound path ─────────────────────────────────────────────────────────────

// handleFrame runs on the capture callback. It never blocks on the network.
func (c *Controller) handleFrame(frame audio.AudioFrame) {
	c.framesCaptured.Add(1)
	ctx := context.Background()
	if c.metrics != nil {
		c.metrics.FramesCaptured.Add(ctx, 1)
	}

	msg, err := c.deps.Protocol.Encode(frame)
	if err != nil {
		c.encodeErrors.Add(1)
		if c.metrics != nil {
			c.metrics.RecordOutbound(ctx, "failed")
		}
		c.report(EncodeError, err)
		return
	}

	dropped, ok := c.outbox.push(msg)
	if !ok {
		return
	}
	if dropped {
		c.framesDropped.Add(1)
		if c.metrics != nil {
			c.metrics.RecordOutbound(ctx, "dropped")
		}
	}
}

// sendLoop drains the outbox into the session until teardown closes it.
func (c *Controller) sendLoop(sess link.Session) error {
	ctx := context.Background()
	for {
		msg, ok := c.outbox.next()
		if !ok {
			return nil
		}
		if err := sess.Send(msg); err != nil {
			if c.metrics != nil {
				c.metrics.RecordOutbound(ctx, "failed")
			}
			if errors.Is(err, link.ErrClosed) {
				return nil
			}
			c.log.Debug("duplex: send frame", "err", err)
			continue
		}
		c.framesSent.Add(1)
		if c.metrics != nil {
			c.metrics.RecordOutbound(ctx, "sent")
		}
	}
}

// watch moves the controller to Error when the session link drops on its
// own.
func (c *Controller) watch(ctx context.Context, sess link.Session) error {
	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
	}

	err := sess.Err()
	if err == nil {
		err = errors.New("session closed by remote")
	}
	if c.fail(&SessionError{Kind: ConnectionError, Err: err}) {
		// teardown waits for this goroutine.
		go c.teardown()
	}
	return nil
}

// ── Inbound path ──────────────────────────────────────────────────────────────

// handleMessage runs on the link's read path. It demuxes and enqueues, and
// never blocks.
func (c *Controller) handleMessage(msg link.RawMessage) {
	c.messages.Add(1)
	if c.metrics != nil {
		c.metrics.InboundMessages.Add(context.Background(), 1)
	}
	if n := c.inbox.push(c.deps.Protocol.Demux(msg)...); n > 0 {
		c.audioPurged.Add(int64(n))
		c.log.Debug("duplex: purged queued audio on interruption", "count", n)
	}
}

// dispatchLoop hands chunks to the scheduler and the aggregator in arrival
// order until teardown closes the inbox.
func (c *Controller) dispatchLoop(sched *playback.Scheduler) error {
	for {
		chunk, ok := c.inbox.next()
		if !ok {
			return nil
		}
		c.dispatch(sched, chunk)
	}
}

func (c *Controller) dispatch(sched *playback.Scheduler, chunk protocol.Chunk) {
	kind := chunk.Kind()
	c.mu.Lock()
	c.chunks[kind]++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordChunk(context.Background(), kind)
	}

	switch ch := chunk.(type) {
	case protocol.AudioPayload:
		if _, err := sched.Schedule(ch); err != nil {
			switch {
			case errors.Is(err, audio.ErrDecode):
				c.report(DecodeError, err)
			case errors.Is(err, playback.ErrClosed):
			default:
				c.log.Warn("duplex: schedule audio", "err", err)
			}
		}

	case protocol.TranscriptDelta:
		c.agg.Delta(ch.Speaker, ch.Text)

	case protocol.TurnBoundary:
		c.agg.TurnBoundary()

	case protocol.Interruption:
		n := sched.Interrupt()
		c.agg.Interrupted()
		c.log.Debug("duplex: interrupted", "stopped", n)

	case protocol.ControlEvent:
		c.control(ch)
	}
}

func (c *Controller) control(ev protocol.ControlEvent) {
	switch {
	case ev.Unknown:
		c.report(UnknownMessageShape, fmt.Errorf("%s: %d bytes", ev.Detail, len(ev.Raw)))
	case ev.Name == protocol.EventInvalidAudio:
		c.report(DecodeError, errors.New(ev.Detail))
	case ev.Name == protocol.EventError:
		if c.metrics != nil {
			c.metrics.RecordError(context.Background(), "remote")
		}
		c.log.Warn("duplex: remote reported error", "detail", ev.Detail)
	case ev.Name == protocol.EventGoAway:
		c.log.Info("duplex: remote will close session soon", "detail", ev.Detail)
	default:
		c.log.Debug("duplex: control event", "name", ev.Name, "detail", ev.Detail)
	}
}
