package wslink_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/link/wslink"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted connection; the server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// handshake is a minimal link.Handshake for tests.
type handshake struct {
	url    string
	header http.Header
	setup  []string
	err    error
}

func (h handshake) Target(link.Config) (link.Target, error) {
	if h.err != nil {
		return link.Target{}, h.err
	}
	return link.Target{URL: h.url, Header: h.header}, nil
}

func (h handshake) Setup(link.Config) ([]link.OutboundMessage, error) {
	out := make([]link.OutboundMessage, len(h.setup))
	for i, s := range h.setup {
		out[i] = link.OutboundMessage{Kind: link.KindControl, Data: []byte(s)}
	}
	return out, nil
}

func connect(t *testing.T, hs link.Handshake) link.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := wslink.New(hs, wslink.WithKeepalive(0)).Connect(ctx, link.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan string, 4)
	var gotAuth string
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		for range 2 {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			got <- string(data)
		}
		close(got)
		_, _, _ = conn.Read(r.Context())
	})

	connect(t, handshake{
		url:    wsURL(srv),
		header: http.Header{"Authorization": []string{"Bearer k"}},
		setup:  []string{`{"a":1}`, `{"b":2}`},
	})

	var msgs []string
	for m := range got {
		msgs = append(msgs, m)
	}
	if len(msgs) != 2 || msgs[0] != `{"a":1}` || msgs[1] != `{"b":2}` {
		t.Errorf("setup messages = %v", msgs)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestConnect_DialFailureWrapsErrConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := wslink.New(handshake{url: "ws://127.0.0.1:1/nope"}).Connect(ctx, link.Config{})
	if !errors.Is(err, link.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestConnect_HandshakeErrorWrapsErrConnection(t *testing.T) {
	t.Parallel()

	_, err := wslink.New(handshake{err: errors.New("no key")}).Connect(context.Background(), link.Config{})
	if !errors.Is(err, link.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestOnMessage_DeliversInOrder(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for _, m := range []string{"one", "two", "three"} {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		_ = conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2})
		_, _, _ = conn.Read(r.Context())
	})

	sess := connect(t, handshake{url: wsURL(srv)})

	var (
		mu  sync.Mutex
		got []link.RawMessage
	)
	all := make(chan struct{})
	sess.OnMessage(func(m link.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
		if len(got) == 4 {
			close(all)
		}
	})
	// A second handler is ignored.
	sess.OnMessage(func(link.RawMessage) { t.Error("second handler invoked") })

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if string(got[i].Data) != want || got[i].Binary {
			t.Errorf("message %d = %q (binary=%v), want text %q", i, got[i].Data, got[i].Binary, want)
		}
		if got[i].ReceivedAt.IsZero() {
			t.Errorf("message %d has no receive time", i)
		}
	}
	if !got[3].Binary {
		t.Error("binary frame not flagged")
	}
}

func TestSend_WritesTextFrame(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		typ, data, err := conn.Read(r.Context())
		if err != nil || typ != websocket.MessageText {
			return
		}
		got <- string(data)
		_, _, _ = conn.Read(r.Context())
	})

	sess := connect(t, handshake{url: wsURL(srv)})
	if err := sess.Send(link.OutboundMessage{Kind: link.KindAudio, Data: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m != `{"x":1}` {
			t.Errorf("server got %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestServerClose_EndsSessionWithError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.Close(websocket.StatusPolicyViolation, "bye")
	})

	sess := connect(t, handshake{url: wsURL(srv)})
	sess.OnMessage(func(link.RawMessage) {})

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	if err := sess.Err(); !errors.Is(err, link.ErrConnection) {
		t.Errorf("Err = %v, want ErrConnection", err)
	}
	if err := sess.Send(link.OutboundMessage{Data: []byte("{}")}); err == nil {
		t.Error("Send after remote close succeeded")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
	})

	sess := connect(t, handshake{url: wsURL(srv)})
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close without a handler")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err after local close = %v, want nil", err)
	}
	if err := sess.Send(link.OutboundMessage{Data: []byte("{}")}); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Send after Close: err = %v, want ErrClosed", err)
	}
	if sess.ID() == "" {
		t.Error("empty session ID")
	}
}
