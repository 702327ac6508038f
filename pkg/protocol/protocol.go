// Package protocol defines how captured audio becomes outbound session
// messages and how inbound session messages become typed chunks.
//
// A [Protocol] is stateless: [Protocol.Encode] maps one [audio.AudioFrame] to
// one [link.OutboundMessage], and [Protocol.Demux] maps one
// [link.RawMessage] to an ordered list of [Chunk] values. Demux never fails
// and never returns an empty list; anything it cannot classify comes back as
// a [ControlEvent] with Unknown set so that no message is silently lost.
package protocol

import (
	"errors"
	"mime"
	"strconv"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/link"
)

// ErrEncode is wrapped by every [Protocol.Encode] failure.
var ErrEncode = errors.New("protocol: encode failed")

// Speaker identifies who produced a transcript delta.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Chunk is one unit of inbound meaning. The concrete types are
// [AudioPayload], [TranscriptDelta], [TurnBoundary], [Interruption], and
// [ControlEvent].
type Chunk interface {
	// Kind returns a stable lower-case name, used for logs and metrics.
	Kind() string

	chunk()
}

// AudioPayload carries model speech as raw PCM16 bytes.
type AudioPayload struct {
	Data []byte

	// Format is the PCM layout the remote declared for Data.
	Format audio.Format
}

// TranscriptDelta is an incremental piece of text for one speaker.
type TranscriptDelta struct {
	Speaker Speaker
	Text    string
}

// TurnBoundary marks the end of the model's turn.
type TurnBoundary struct{}

// Interruption reports that the user barged in and the model's current
// output must be discarded.
type Interruption struct{}

// ControlEvent is any other message. Unknown is set when the message could
// not be classified at all; Raw then carries the original bytes.
type ControlEvent struct {
	Name    string
	Detail  string
	Unknown bool
	Raw     []byte
}

func (AudioPayload) Kind() string    { return "audio" }
func (TranscriptDelta) Kind() string { return "transcript" }
func (TurnBoundary) Kind() string    { return "turn_boundary" }
func (Interruption) Kind() string    { return "interruption" }

// Kind returns "unknown" for unclassified messages and "control" otherwise.
func (c ControlEvent) Kind() string {
	if c.Unknown {
		return "unknown"
	}
	return "control"
}

func (AudioPayload) chunk()    {}
func (TranscriptDelta) chunk() {}
func (TurnBoundary) chunk()    {}
func (Interruption) chunk()    {}
func (ControlEvent) chunk()    {}

// Protocol encodes and demultiplexes one remote session's wire format. It
// also supplies the [link.Handshake] for websocket-framed links.
//
// Implementations must be safe for concurrent use.
type Protocol interface {
	link.Handshake

	// Name identifies the protocol in config and logs.
	Name() string

	// InputFormat is the PCM layout the remote expects for outbound audio.
	InputFormat() audio.Format

	// Encode turns one captured frame into a wire message. Malformed frames
	// return an error wrapping [ErrEncode].
	Encode(frame audio.AudioFrame) (link.OutboundMessage, error)

	// Demux classifies one inbound message into chunks, in causal order.
	Demux(msg link.RawMessage) []Chunk
}

// Unknown builds the fallback chunk for an unclassifiable message.
func Unknown(msg link.RawMessage, detail string) []Chunk {
	return []Chunk{ControlEvent{Name: "unknown", Detail: detail, Unknown: true, Raw: msg.Data}}
}

// Control event names shared by the bundled protocols.
const (
	EventSetupComplete = "setup_complete"
	EventError         = "error"
	EventInvalidAudio  = "invalid_audio"
	EventToolCall      = "tool_call"
	EventGoAway        = "go_away"
)

// ParseRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is absent or
// invalid.
func ParseRate(mimeType string, def int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return def
	}
	r, err := strconv.Atoi(params["rate"])
	if err != nil || r <= 0 {
		return def
	}
	return r
}
