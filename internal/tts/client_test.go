package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/internal/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeSynthesizer is an in-process remote speaking the event-tagged
// protocol. Task requests are answered with one audio chunk per text and a
// sentence-end event.
type fakeSynthesizer struct {
	t *testing.T

	mu   sync.Mutex
	conn *websocket.Conn

	texts chan string
}

func newFakeSynthesizer(t *testing.T) (*fakeSynthesizer, *httptest.Server) {
	f := &fakeSynthesizer{t: t, texts: make(chan string, 16)}
	server := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeSynthesizer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			f.t.Errorf("server decode failed: %v", err)
			continue
		}

		switch frame.Code {
		case wire.EventStartConnection:
			f.reply(conn, wire.EventConnectionStarted, nil, []byte("{}"))

		case wire.EventStartSession:
			sessionID := frame.Payloads[0]
			f.reply(conn, wire.EventSessionStarted, nil, sessionID)

		case wire.EventTaskRequest:
			sessionID := frame.Payloads[0]
			var req struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(frame.Payloads[1], &req); err != nil {
				f.t.Errorf("bad task payload: %v", err)
				continue
			}
			f.texts <- req.Text
			f.reply(conn, wire.EventAudioResponse, sessionID, []byte("pcm:"+req.Text))
			f.reply(conn, wire.EventSentenceEnd, sessionID, nil)

		case wire.EventFinishSession:
			sessionID := frame.Payloads[0]
			f.reply(conn, wire.EventSessionFinished, nil, sessionID)

		case wire.EventFinishConnection:
			f.reply(conn, wire.EventConnectionFinished, nil, []byte("{}"))
			return
		}
	}
}

func (f *fakeSynthesizer) reply(conn *websocket.Conn, event int32, id, payload []byte) {
	segments := [][]byte{}
	if id != nil {
		segments = append(segments, id)
	}
	if payload != nil {
		segments = append(segments, payload)
	}
	encoded, err := wire.Encode(wire.Frame{
		Type:          wire.MessageTypeFullServerResponse,
		Flags:         wire.FlagWithEvent,
		Serialization: wire.SerializationJSON,
		Code:          event,
		Payloads:      segments,
	})
	if err != nil {
		f.t.Errorf("encode reply failed: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		f.t.Errorf("write reply failed: %v", err)
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestClient(t *testing.T, url string, callbacks Callbacks) *Client {
	client, err := NewClient(Config{URL: url}, callbacks, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestConnectAndSessionLifecycle(t *testing.T) {
	_, server := newFakeSynthesizer(t)
	client := newTestClient(t, wsURL(server), Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if client.ConnState() != ConnReady {
		t.Errorf("conn state = %v, want ready", client.ConnState())
	}

	if err := client.StartSession(ctx); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if client.SessionState() != SessionActive {
		t.Errorf("session state = %v, want active", client.SessionState())
	}
	if client.SessionID() == "" {
		t.Error("session id is empty after start")
	}

	// idempotent while active
	if err := client.StartSession(ctx); err != nil {
		t.Errorf("StartSession while active failed: %v", err)
	}

	if err := client.FinishSession(ctx); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
	if client.SessionState() != SessionNone {
		t.Errorf("session state = %v, want none", client.SessionState())
	}

	// sessions can restart within one connection
	if err := client.StartSession(ctx); err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}
	if client.SessionState() != SessionActive {
		t.Errorf("session state = %v, want active", client.SessionState())
	}
}

func TestSendTextRequiresActiveSession(t *testing.T) {
	_, server := newFakeSynthesizer(t)
	client := newTestClient(t, wsURL(server), Callbacks{})

	if err := client.SendText("halo"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SendText before connect = %v, want ErrNoSession", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// connected but no session yet
	if err := client.SendText("halo"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SendText without session = %v, want ErrNoSession", err)
	}
}

func TestAudioAndSentenceBoundaryCallbacks(t *testing.T) {
	audio := make(chan []byte, 8)
	finished := make(chan struct{}, 8)

	fake, server := newFakeSynthesizer(t)
	client := newTestClient(t, wsURL(server), Callbacks{
		OnAudioData: func(chunk []byte) { audio <- chunk },
		OnFinish:    func() { finished <- struct{}{} },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.StartSession(ctx); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := client.SendText("cuaca cerah hari ini"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case text := <-fake.texts:
		if text != "cuaca cerah hari ini" {
			t.Errorf("server saw text %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server text")
	}

	select {
	case chunk := <-audio:
		if !bytes.Equal(chunk, []byte("pcm:cuaca cerah hari ini")) {
			t.Errorf("audio chunk = %q", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audio")
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sentence boundary")
	}
}

func TestFinishSessionWithoutSessionResolvesImmediately(t *testing.T) {
	_, server := newFakeSynthesizer(t)
	client := newTestClient(t, wsURL(server), Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.FinishSession(ctx); err != nil {
		t.Errorf("FinishSession with no session = %v, want nil", err)
	}
}

func TestAbortClearsStateAndAllowsReconnect(t *testing.T) {
	_, server := newFakeSynthesizer(t)
	client := newTestClient(t, wsURL(server), Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.StartSession(ctx); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	client.Abort()

	// identifiers are cleared synchronously, no graceful finish round trip
	if client.SessionID() != "" {
		t.Error("session id survived Abort")
	}
	if client.ConnState() != ConnDisconnected {
		t.Errorf("conn state = %v, want disconnected", client.ConnState())
	}
	if client.SessionState() != SessionNone {
		t.Errorf("session state = %v, want none", client.SessionState())
	}

	// barge-in path: reconnect and open a fresh session
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect after Abort failed: %v", err)
	}
	if err := client.StartSession(ctx); err != nil {
		t.Fatalf("StartSession after Abort failed: %v", err)
	}
	if client.SessionState() != SessionActive {
		t.Errorf("session state = %v, want active", client.SessionState())
	}
}
