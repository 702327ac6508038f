// Package wslink implements [link.Dialer] over a WebSocket using
// github.com/coder/websocket.
//
// The dial target and the opening control messages come from a
// [link.Handshake], so the same transport serves every JSON-over-WebSocket
// realtime protocol. Each inbound text or binary frame becomes one
// [link.RawMessage]; each outbound message's Data is written as one text
// frame.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/link"
)

// Compile-time assertions.
var (
	_ link.Dialer  = (*Dialer)(nil)
	_ link.Session = (*session)(nil)
)

const (
	defaultKeepalive    = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// Realtime servers send audio in large base64 frames.
	defaultReadLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithKeepalive sets the interval between WebSocket pings. Zero disables
// keepalive. Default: 20s.
func WithKeepalive(d time.Duration) Option {
	return func(dl *Dialer) { dl.keepalive = d }
}

// WithWriteTimeout bounds every outbound write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.writeTimeout = d }
}

// WithReadLimit sets the maximum inbound frame size in bytes. Default: 16 MiB.
func WithReadLimit(n int64) Option {
	return func(dl *Dialer) { dl.readLimit = n }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens WebSocket sessions for one protocol.
type Dialer struct {
	handshake    link.Handshake
	keepalive    time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

// New creates a Dialer that uses hs to locate the endpoint and open the
// session.
func New(hs link.Handshake, opts ...Option) *Dialer {
	d := &Dialer{
		handshake:    hs,
		keepalive:    defaultKeepalive,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect implements [link.Dialer]. The setup messages are written before
// Connect returns; the read loop starts when a handler is registered.
func (d *Dialer) Connect(ctx context.Context, cfg link.Config) (link.Session, error) {
	target, err := d.handshake.Target(cfg)
	if err != nil {
		return nil, fmt.Errorf("wslink: %w: %w", link.ErrConnection, err)
	}
	setup, err := d.handshake.Setup(cfg)
	if err != nil {
		return nil, fmt.Errorf("wslink: %w: build setup: %w", link.ErrConnection, err)
	}

	conn, _, err := websocket.Dial(ctx, target.URL, &websocket.DialOptions{
		HTTPHeader: target.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("wslink: %w: dial: %w", link.ErrConnection, err)
	}
	conn.SetReadLimit(d.readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: d.writeTimeout,
		done:         make(chan struct{}),
		ctx:          sessCtx,
		cancel:       sessCancel,
	}

	for _, msg := range setup {
		if err := s.write(ctx, msg.Data); err != nil {
			sessCancel()
			_ = conn.Close(websocket.StatusInternalError, "setup failed")
			return nil, fmt.Errorf("wslink: %w: setup: %w", link.ErrConnection, err)
		}
	}

	if d.keepalive > 0 {
		go s.keepaliveLoop(d.keepalive)
	}

	slog.Debug("wslink: session opened", "session_id", s.id, "setup_messages", len(setup))
	return s, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	errVal  error
	handler func(link.RawMessage)
	done    chan struct{}
	closed  bool

	doneOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) ID() string { return s.id }

// Send implements [link.Session].
func (s *session) Send(msg link.OutboundMessage) error {
	s.mu.Lock()
	closed, errVal := s.closed, s.errVal
	s.mu.Unlock()
	if closed {
		return link.ErrClosed
	}
	if errVal != nil {
		return fmt.Errorf("wslink: %w: %w", link.ErrConnection, errVal)
	}
	if err := s.write(s.ctx, msg.Data); err != nil {
		if s.ctx.Err() != nil {
			return link.ErrClosed
		}
		return fmt.Errorf("wslink: %w: write: %w", link.ErrConnection, err)
	}
	return nil
}

// write serialises writes; coder/websocket allows one concurrent writer.
func (s *session) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// OnMessage implements [link.Session].
func (s *session) OnMessage(fn func(link.RawMessage)) {
	s.mu.Lock()
	if s.handler != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.handler = fn
	s.mu.Unlock()
	go s.receiveLoop(fn)
}

// receiveLoop reads frames and hands each to fn. It closes done when the
// connection ends.
func (s *session) receiveLoop(fn func(link.RawMessage)) {
	defer s.finish()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local close cancels ctx; that is not a session error.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			slog.Warn("wslink: read failed", "session_id", s.id, "err", err)
			return
		}
		fn(link.RawMessage{
			Data:       data,
			Binary:     typ == websocket.MessageBinary,
			ReceivedAt: time.Now(),
		})
	}
}

func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, defaultPingTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("wslink: ping failed", "session_id", s.id, "err", err)
			}
			cancel()
		}
	}
}

// Done implements [link.Session].
func (s *session) Done() <-chan struct{} { return s.done }

// Err implements [link.Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		return nil
	}
	return fmt.Errorf("wslink: %w: %w", link.ErrConnection, s.errVal)
}

// Close implements [link.Session].
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.handler != nil
		s.mu.Unlock()

		s.cancel()
		if cerr := s.conn.Close(websocket.StatusNormalClosure, "session closed"); cerr != nil &&
			!errors.Is(cerr, context.Canceled) && websocket.CloseStatus(cerr) == -1 {
			err = fmt.Errorf("wslink: close: %w", cerr)
		}
		// Without a read loop nobody else will close done.
		if !started {
			s.finish()
		}
		slog.Debug("wslink: session closed", "session_id", s.id)
	})
	return err
}

func (s *session) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil && !s.closed {
		s.errVal = err
	}
}
