// Package link defines the contract for a duplex, message-oriented connection
// to a remote conversational session.
//
// A [Dialer] establishes a [Session]; the session accepts encoded
// [OutboundMessage] values and delivers every inbound [RawMessage] to a
// single registered handler, in arrival order. How messages are framed on the
// wire is the concern of the implementation (see link/wslink and
// link/genailive); what the messages mean is the concern of the protocol
// packages that produce and consume them.
package link

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrConnection is wrapped by every error that reports a failure to
	// establish or keep a session.
	ErrConnection = errors.New("link: connection error")

	// ErrClosed is returned by [Session.Send] after the session was closed.
	ErrClosed = errors.New("link: session closed")
)

// Config describes the remote session to open.
type Config struct {
	// Endpoint is the base URL of the remote service. Implementations supply
	// their production endpoint when empty.
	Endpoint string

	// AuthToken is the API key or bearer token presented on connect.
	AuthToken string

	// Model selects the remote conversational model.
	Model string

	// Voice selects the synthesized voice, if the service supports it.
	Voice string

	// Instructions is the system prompt for the conversation.
	Instructions string

	// InputSampleRate is the rate of the PCM16 audio the client will send.
	InputSampleRate int

	// OutputSampleRate is the rate of the PCM16 audio the client expects back.
	OutputSampleRate int
}

// MessageKind classifies an [OutboundMessage].
type MessageKind int

const (
	// KindControl is a session control message such as setup or config.
	KindControl MessageKind = iota

	// KindAudio carries one encoded capture frame.
	KindAudio
)

// String returns the human-readable name of the kind.
func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// OutboundMessage is one encoded message destined for the remote session.
type OutboundMessage struct {
	Kind MessageKind

	// Data is the serialized wire frame (JSON for the bundled protocols).
	Data []byte

	// Audio is the raw PCM16 payload for KindAudio messages. Links that frame
	// audio themselves send this instead of Data.
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// RawMessage is one inbound message exactly as received.
type RawMessage struct {
	Data []byte

	// Binary reports whether the transport delivered a binary frame.
	Binary bool

	ReceivedAt time.Time
}

// Session is an open duplex connection.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// ID returns a unique identifier for this session, for logs.
	ID() string

	// Send transmits msg. It returns an error wrapping [ErrClosed] after
	// Close, or [ErrConnection] when the transport has failed.
	Send(msg OutboundMessage) error

	// OnMessage registers the single inbound handler and starts delivery.
	// Messages are delivered one at a time, in arrival order, on a session
	// goroutine. Later calls are ignored.
	OnMessage(fn func(RawMessage))

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}

	// Err reports why the session ended. It returns nil while the session
	// is open and after a local Close.
	Err() error

	// Close ends the session. Close is idempotent; later calls return nil.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Connect establishes a session. Failures wrap [ErrConnection].
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// Target is where a websocket-style link dials.
type Target struct {
	URL    string
	Header http.Header
}

// Handshake describes how to open a session for a particular wire protocol:
// where to dial and which control messages to send first.
type Handshake interface {
	Target(cfg Config) (Target, error)
	Setup(cfg Config) ([]OutboundMessage, error)
}
