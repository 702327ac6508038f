// Package mock provides in-memory implementations of [link.Dialer] and
// [link.Session] for use in unit tests.
//
// Session records every sent message and lets the test inject inbound
// messages with [Session.Deliver]. Deliver runs the registered handler
// synchronously, which keeps pipeline tests deterministic.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/link"
)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [link.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Session is returned by Connect. When nil, Connect creates a new Session.
	Session *Session

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// Block makes Connect wait until the context is done or the channel is
	// closed, whichever comes first.
	Block chan struct{}

	// Started, if non-nil, receives one value when Connect is entered.
	Started chan struct{}

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// LastConfig is the config passed to the most recent Connect.
	LastConfig link.Config
}

var _ link.Dialer = (*Dialer)(nil)

// Connect implements [link.Dialer].
func (d *Dialer) Connect(ctx context.Context, cfg link.Config) (link.Session, error) {
	d.mu.Lock()
	d.CallCountConnect++
	d.LastConfig = cfg
	block, started := d.Block, d.Started
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectError != nil {
		return nil, d.ConnectError
	}
	if d.Session == nil {
		d.Session = NewSession()
	}
	return d.Session, nil
}

// Calls returns CallCountConnect under the lock.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountConnect
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock [link.Session].
type Session struct {
	mu sync.Mutex

	// SessionID is returned by ID.
	SessionID string

	// SendError is returned by Send when non-nil.
	SendError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	sent    []link.OutboundMessage
	handler func(link.RawMessage)
	done    chan struct{}
	err     error
	closed  bool
	notify  chan struct{}
}

var _ link.Session = (*Session)(nil)

// NewSession returns an open mock session.
func NewSession() *Session {
	return &Session{
		SessionID: "mock-session",
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// ID implements [link.Session].
func (s *Session) ID() string { return s.SessionID }

// Send implements [link.Session].
func (s *Session) Send(msg link.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return link.ErrClosed
	}
	if s.SendError != nil {
		return s.SendError
	}
	s.sent = append(s.sent, msg)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns a copy of every message passed to Send.
func (s *Session) Sent() []link.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]link.OutboundMessage(nil), s.sent...)
}

// SentNotify receives a value after Send records a message. It coalesces.
func (s *Session) SentNotify() <-chan struct{} { return s.notify }

// OnMessage implements [link.Session].
func (s *Session) OnMessage(fn func(link.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		s.handler = fn
	}
}

// HasHandler reports whether OnMessage registered a handler.
func (s *Session) HasHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// Deliver invokes the registered handler with msg. It reports false when no
// handler is registered or the session is closed.
func (s *Session) Deliver(msg link.RawMessage) bool {
	s.mu.Lock()
	h, closed := s.handler, s.closed
	s.mu.Unlock()
	if h == nil || closed {
		return false
	}
	h(msg)
	return true
}

// Fail ends the session with err as if the transport broke.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.done)
}

// Done implements [link.Session].
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements [link.Session].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [link.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Closes returns CallCountClose under the lock.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
