// Package openai implements [protocol.Protocol] for OpenAI's Realtime API.
//
// The client configures the session with a session.update event, streams
// microphone audio as input_audio_buffer.append events carrying base64 PCM16,
// and receives typed server events. Server-side voice activity detection
// reports the user starting to speak with input_audio_buffer.speech_started,
// which Demux surfaces as an interruption of the model's playback.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/protocol"
)

// Compile-time assertion.
var _ protocol.Protocol = (*Protocol)(nil)

const (
	// Name is the protocol's registry key.
	Name = "openai-realtime"

	DefaultModel    = "gpt-4o-realtime-preview"
	DefaultEndpoint = "wss://api.openai.com/v1/realtime"

	// The Realtime API's pcm16 format is 24 kHz mono in both directions.
	sampleRate = 24000

	transcriptionModel = "whisper-1"
)

// isControl reports whether t is a server event type that carries no audio,
// text, or turn structure the pipeline acts on.
func isControl(t string) bool {
	switch t {
	case "session.created",
		"conversation.created",
		"conversation.item.created",
		"conversation.item.truncated",
		"conversation.item.deleted",
		"conversation.item.input_audio_transcription.delta",
		"conversation.item.input_audio_transcription.failed",
		"input_audio_buffer.committed",
		"input_audio_buffer.cleared",
		"input_audio_buffer.speech_stopped",
		"response.created",
		"response.output_item.added",
		"response.output_item.done",
		"response.content_part.added",
		"response.content_part.done",
		"response.audio.done",
		"response.audio_transcript.done",
		"response.text.done",
		"response.function_call_arguments.delta",
		"response.function_call_arguments.done",
		"rate_limits.updated":
		return true
	}
	return false
}

// Protocol is the OpenAI Realtime wire format. The zero value is ready to use.
type Protocol struct{}

// New returns the OpenAI Realtime protocol.
func New() *Protocol { return &Protocol{} }

// Name implements [protocol.Protocol].
func (*Protocol) Name() string { return Name }

// InputFormat implements [protocol.Protocol].
func (*Protocol) InputFormat() audio.Format {
	return audio.Format{SampleRate: sampleRate, Channels: 1}
}

// ── Handshake ──────────────────────────────────────────────────────────────────

// Target implements [link.Handshake].
func (*Protocol) Target(cfg link.Config) (link.Target, error) {
	if cfg.AuthToken == "" {
		return link.Target{}, fmt.Errorf("openai: api key is required")
	}
	base := cfg.Endpoint
	if base == "" {
		base = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return link.Target{
		URL: strings.TrimSuffix(base, "/") + "?model=" + url.QueryEscape(model),
		Header: http.Header{
			"Authorization": []string{"Bearer " + cfg.AuthToken},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	}, nil
}

// Setup implements [link.Handshake].
func (*Protocol) Setup(cfg link.Config) ([]link.OutboundMessage, error) {
	data, err := json.Marshal(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"audio", "text"},
			Voice:                   cfg.Voice,
			Instructions:            cfg.Instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: transcriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal session.update: %w", err)
	}
	return []link.OutboundMessage{{Kind: link.KindControl, Data: data}}, nil
}

// ── Encode ─────────────────────────────────────────────────────────────────────

// Encode implements [protocol.Protocol]. Frames are converted to 24 kHz mono
// before encoding.
func (p *Protocol) Encode(frame audio.AudioFrame) (link.OutboundMessage, error) {
	if len(frame.Data) == 0 {
		return link.OutboundMessage{}, fmt.Errorf("openai: %w: empty frame", protocol.ErrEncode)
	}
	conv := audio.FormatConverter{Target: p.InputFormat()}
	converted, err := conv.Convert(frame)
	if err != nil {
		return link.OutboundMessage{}, fmt.Errorf("openai: %w: %w", protocol.ErrEncode, err)
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(converted.Data),
	})
	if err != nil {
		return link.OutboundMessage{}, fmt.Errorf("openai: %w: %w", protocol.ErrEncode, err)
	}
	return link.OutboundMessage{
		Kind:     link.KindAudio,
		Data:     data,
		Audio:    converted.Data,
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
	}, nil
}

// ── Demux ──────────────────────────────────────────────────────────────────────

// Demux implements [protocol.Protocol]. Every Realtime server event maps to
// exactly one chunk.
func (*Protocol) Demux(msg link.RawMessage) []protocol.Chunk {
	var evt serverEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return protocol.Unknown(msg, "invalid json: "+err.Error())
	}

	switch evt.Type {
	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return []protocol.Chunk{protocol.ControlEvent{Name: protocol.EventInvalidAudio, Detail: err.Error()}}
		}
		return []protocol.Chunk{protocol.AudioPayload{
			Data:   data,
			Format: audio.Format{SampleRate: sampleRate, Channels: 1},
		}}

	case "response.audio_transcript.delta", "response.text.delta":
		return []protocol.Chunk{protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: evt.Delta}}

	case "conversation.item.input_audio_transcription.completed":
		return []protocol.Chunk{protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: evt.Transcript}}

	case "input_audio_buffer.speech_started":
		return []protocol.Chunk{protocol.Interruption{}}

	case "response.done":
		return []protocol.Chunk{protocol.TurnBoundary{}}

	case "session.updated":
		return []protocol.Chunk{protocol.ControlEvent{Name: protocol.EventSetupComplete}}

	case "error":
		detail := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			detail = evt.Error.Message
			if evt.Error.Code != "" {
				detail += " (" + evt.Error.Code + ")"
			}
		}
		return []protocol.Chunk{protocol.ControlEvent{Name: protocol.EventError, Detail: detail, Raw: msg.Data}}

	case "":
		return protocol.Unknown(msg, "missing type")
	}

	if isControl(evt.Type) {
		return []protocol.Chunk{protocol.ControlEvent{Name: evt.Type}}
	}
	return protocol.Unknown(msg, "unrecognized type "+evt.Type)
}
