// Package gemini implements [protocol.Protocol] for Google's Gemini Live API.
//
// Messages follow the BidiGenerateContent JSON protocol: the client opens with
// a setup message, streams microphone audio as base64 PCM media chunks, and
// receives serverContent messages that may carry model audio, transcriptions,
// an interruption flag, and a turn-complete flag all at once. Demux splits
// such a message into chunks in causal order.
package gemini

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
	Name = "gemini-live"

	DefaultModel    = "gemini-2.0-flash-live-001"
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// Gemini Live consumes 16 kHz and produces 24 kHz mono PCM16.
	inputRate  = 16000
	outputRate = 24000
)

// Protocol is the Gemini Live wire format. The zero value is ready to use.
type Protocol struct{}

// New returns the Gemini Live protocol.
func New() *Protocol { return &Protocol{} }

// Name implements [protocol.Protocol].
func (*Protocol) Name() string { return Name }

// InputFormat implements [protocol.Protocol].
func (*Protocol) InputFormat() audio.Format {
	return audio.Format{SampleRate: inputRate, Channels: 1}
}

// ── Handshake ──────────────────────────────────────────────────────────────────

// Target implements [link.Handshake]. The API key travels as a query
// parameter.
func (*Protocol) Target(cfg link.Config) (link.Target, error) {
	if cfg.AuthToken == "" {
		return link.Target{}, fmt.Errorf("gemini: api key is required")
	}
	base := cfg.Endpoint
	if base == "" {
		base = DefaultEndpoint
	}
	u := strings.TrimSuffix(base, "/") + bidiPath + "?key=" + url.QueryEscape(cfg.AuthToken)
	return link.Target{
		URL:    u,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

// Setup implements [link.Handshake].
func (*Protocol) Setup(cfg link.Config) ([]link.OutboundMessage, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	return []link.OutboundMessage{{Kind: link.KindControl, Data: data}}, nil
}

// ── Encode ─────────────────────────────────────────────────────────────────────

// Encode implements [protocol.Protocol]. Frames are converted to 16 kHz mono
// before encoding.
func (p *Protocol) Encode(frame audio.AudioFrame) (link.OutboundMessage, error) {
	if len(frame.Data) == 0 {
		return link.OutboundMessage{}, fmt.Errorf("gemini: %w: empty frame", protocol.ErrEncode)
	}
	conv := audio.FormatConverter{Target: p.InputFormat()}
	converted, err := conv.Convert(frame)
	if err != nil {
		return link.OutboundMessage{}, fmt.Errorf("gemini: %w: %w", protocol.ErrEncode, err)
	}

	mimeType := fmt.Sprintf("audio/pcm;rate=%d", inputRate)
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []blob{{
				MIMEType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(converted.Data),
			}},
		},
	})
	if err != nil {
		return link.OutboundMessage{}, fmt.Errorf("gemini: %w: %w", protocol.ErrEncode, err)
	}
	return link.OutboundMessage{
		Kind:     link.KindAudio,
		Data:     data,
		Audio:    converted.Data,
		MIMEType: mimeType,
	}, nil
}

// ── Demux ──────────────────────────────────────────────────────────────────────

// Demux implements [protocol.Protocol]. Within one serverContent message the
// order is: interruption, user transcription, model audio and text parts,
// model transcription, turn boundary.
func (*Protocol) Demux(msg link.RawMessage) []protocol.Chunk {
	var sm serverMessage
	if err := json.Unmarshal(msg.Data, &sm); err != nil {
		return protocol.Unknown(msg, "invalid json: "+err.Error())
	}

	var chunks []protocol.Chunk
	recognized := false

	if sm.SetupComplete != nil {
		recognized = true
		chunks = append(chunks, protocol.ControlEvent{Name: protocol.EventSetupComplete})
	}
	if sm.Error != nil {
		recognized = true
		chunks = append(chunks, protocol.ControlEvent{
			Name:   protocol.EventError,
			Detail: sm.Error.String(),
			Raw:    msg.Data,
		})
	}
	if sc := sm.ServerContent; sc != nil {
		recognized = true
		chunks = appendServerContent(chunks, sc)
	}
	if sm.ToolCall != nil {
		recognized = true
		names := make([]string, 0, len(sm.ToolCall.FunctionCalls))
		for _, fc := range sm.ToolCall.FunctionCalls {
			names = append(names, fc.Name)
		}
		chunks = append(chunks, protocol.ControlEvent{
			Name:   protocol.EventToolCall,
			Detail: strings.Join(names, ","),
			Raw:    msg.Data,
		})
	}
	if sm.ToolCallCancellation != nil {
		recognized = true
		chunks = append(chunks, protocol.ControlEvent{Name: "tool_call_cancellation", Raw: msg.Data})
	}
	if sm.GoAway != nil {
		recognized = true
		chunks = append(chunks, protocol.ControlEvent{Name: protocol.EventGoAway, Detail: strings.Trim(string(sm.GoAway.TimeLeft), `"`)})
	}
	if sm.UsageMetadata != nil {
		recognized = true
		chunks = append(chunks, protocol.ControlEvent{Name: "usage", Raw: msg.Data})
	}

	if !recognized {
		return protocol.Unknown(msg, "no known field")
	}
	if len(chunks) == 0 {
		// e.g. a serverContent carrying only generationComplete.
		chunks = append(chunks, protocol.ControlEvent{Name: "server_content"})
	}
	return chunks
}

func appendServerContent(chunks []protocol.Chunk, sc *serverContent) []protocol.Chunk {
	if sc.Interrupted {
		chunks = append(chunks, protocol.Interruption{})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		chunks = append(chunks, protocol.TranscriptDelta{
			Speaker: protocol.SpeakerUser,
			Text:    sc.InputTranscription.Text,
		})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				chunks = append(chunks, decodeInline(p.InlineData))
			}
			if p.Text != "" && !p.Thought {
				chunks = append(chunks, protocol.TranscriptDelta{
					Speaker: protocol.SpeakerModel,
					Text:    p.Text,
				})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		chunks = append(chunks, protocol.TranscriptDelta{
			Speaker: protocol.SpeakerModel,
			Text:    sc.OutputTranscription.Text,
		})
	}
	if sc.TurnComplete {
		chunks = append(chunks, protocol.TurnBoundary{})
	}
	return chunks
}

func decodeInline(b *blob) protocol.Chunk {
	if !strings.HasPrefix(b.MIMEType, "audio/") {
		return protocol.ControlEvent{Name: "inline_data", Detail: b.MIMEType}
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return protocol.ControlEvent{Name: protocol.EventInvalidAudio, Detail: err.Error()}
	}
	return protocol.AudioPayload{
		Data:   data,
		Format: audio.Format{SampleRate: protocol.ParseRate(b.MIMEType, outputRate), Channels: 1},
	}
}
