// Package genailive implements [link.Dialer] with the official Google Gen AI
// SDK (google.golang.org/genai) Live API client.
//
// The SDK owns the WebSocket framing, so outbound audio is forwarded as raw
// PCM through SendRealtimeInput rather than as a pre-encoded JSON frame.
// Every inbound *genai.LiveServerMessage is re-encoded to its JSON form so
// the Gemini Live demuxer can classify it exactly as it would a frame read
// off a raw socket.
package genailive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/link"
)

// Compile-time assertions.
var (
	_ link.Dialer  = (*Dialer)(nil)
	_ link.Session = (*session)(nil)
)

// Name is the link's registry key.
const Name = "genai-live"

const defaultModel = "gemini-2.0-flash-live-001"

// Dialer opens Gemini Live sessions through the SDK.
type Dialer struct{}

// New returns a Dialer.
func New() *Dialer { return &Dialer{} }

// Connect implements [link.Dialer].
func (d *Dialer) Connect(ctx context.Context, cfg link.Config) (link.Session, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("genailive: %w: api key is required", link.ErrConnection)
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.AuthToken,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("genailive: %w: new client: %w", link.ErrConnection, err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	live, err := client.Live.Connect(ctx, strings.TrimPrefix(model, "models/"), connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: %w: connect: %w", link.ErrConnection, err)
	}

	s := &session{
		id:   uuid.NewString(),
		live: live,
		done: make(chan struct{}),
	}
	slog.Debug("genailive: session opened", "session_id", s.id, "model", model)
	return s, nil
}

func connectConfig(cfg link.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return lc
}

// session adapts *genai.Session to [link.Session].
type session struct {
	id   string
	live *genai.Session

	sendMu sync.Mutex

	mu      sync.Mutex
	handler func(link.RawMessage)
	errVal  error
	closed  bool

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (s *session) ID() string { return s.id }

// Send implements [link.Session]. Only audio messages are supported; the SDK
// frames them itself.
func (s *session) Send(msg link.OutboundMessage) error {
	s.mu.Lock()
	closed, errVal := s.closed, s.errVal
	s.mu.Unlock()
	if closed {
		return link.ErrClosed
	}
	if errVal != nil {
		return fmt.Errorf("genailive: %w: %w", link.ErrConnection, errVal)
	}
	if msg.Kind != link.KindAudio {
		return fmt.Errorf("genailive: unsupported message kind %s", msg.Kind)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: msg.MIMEType, Data: msg.Audio},
	})
	if err != nil {
		return fmt.Errorf("genailive: %w: send: %w", link.ErrConnection, err)
	}
	return nil
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

func (s *session) receiveLoop(fn func(link.RawMessage)) {
	defer s.finish()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			if !closed && s.errVal == nil {
				s.errVal = err
			}
			s.mu.Unlock()
			if !closed {
				slog.Warn("genailive: receive failed", "session_id", s.id, "err", err)
			}
			return
		}
		raw, err := toRaw(msg, json.Marshal)
		if err != nil {
			slog.Warn("genailive: re-encode server message", "session_id", s.id, "err", err)
		}
		fn(raw)
	}
}

// toRaw re-encodes msg as the Live API's JSON. When that fails the message
// is still delivered, carrying the error text, so the demuxer reports it as
// an unknown shape instead of it vanishing.
func toRaw(msg *genai.LiveServerMessage, marshal func(any) ([]byte, error)) (link.RawMessage, error) {
	now := time.Now()
	data, err := marshal(msg)
	if err != nil {
		return link.RawMessage{Data: []byte("unencodable server message: " + err.Error()), ReceivedAt: now}, err
	}
	return link.RawMessage{Data: data, ReceivedAt: now}, nil
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
	return fmt.Errorf("genailive: %w: %w", link.ErrConnection, s.errVal)
}

// Close implements [link.Session].
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.handler != nil
		s.mu.Unlock()

		if cerr := s.live.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("genailive: close: %w", cerr)
		}
		if !started {
			s.finish()
		}
		slog.Debug("genailive: session closed", "session_id", s.id)
	})
	return err
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
