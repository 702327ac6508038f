package duplex

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by [Controller.Start] on every call after
	// the first.
	ErrAlreadyStarted = errors.New("duplex: controller already started")

	// ErrStopped is returned by [Controller.Start] when a stop request
	// abandoned the session before it reached Connected.
	ErrStopped = errors.New("duplex: stopped before connected")
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	// CaptureDenied means the capture device could not be acquired.
	CaptureDenied ErrorKind = iota + 1

	// ConnectionError means the session link failed to open or dropped.
	ConnectionError

	// OutputUnavailable means the playback device could not be opened.
	OutputUnavailable

	// DecodeError means one inbound audio payload was corrupt and was
	// dropped.
	DecodeError

	// EncodeError means one captured frame could not be encoded. It
	// indicates a framing defect.
	EncodeError

	// UnknownMessageShape means an inbound message could not be classified.
	UnknownMessageShape
)

// String returns the snake_case kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case CaptureDenied:
		return "capture_denied"
	case ConnectionError:
		return "connection_error"
	case OutputUnavailable:
		return "output_unavailable"
	case DecodeError:
		return "decode_error"
	case EncodeError:
		return "encode_error"
	case UnknownMessageShape:
		return "unknown_message_shape"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Fatal reports whether the kind ends the session. Fatal kinds surface from
// [Controller.Start] or force the Error state; the rest are recovered
// locally and only logged and counted.
func (k ErrorKind) Fatal() bool {
	switch k {
	case CaptureDenied, ConnectionError, OutputUnavailable:
		return true
	default:
		return false
	}
}

// SessionError is the error that moved a controller into the Error state.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string { return fmt.Sprintf("duplex: %s: %v", e.Kind, e.Err) }

func (e *SessionError) Unwrap() error { return e.Err }
