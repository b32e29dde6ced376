// Package tts implements the duplex streaming-synthesis client. One
// websocket connection carries event-tagged frames; within a connection,
// synthesis sessions can be started and finished repeatedly.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/internal/wire"
)

// ConnState is the connection-level lifecycle
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnReady
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnReady:
		return "ready"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// SessionState is the nested session-level lifecycle
type SessionState int

const (
	SessionNone SessionState = iota
	SessionStarting
	SessionActive
	SessionFinishing
)

func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionStarting:
		return "starting"
	case SessionActive:
		return "active"
	case SessionFinishing:
		return "finishing"
	}
	return "unknown"
}

// ErrNoSession is returned by SendText when no synthesis session is active
var ErrNoSession = errors.New("tts: no active session")

// ErrConnectionClosed reports that the transport closed before a pending
// operation resolved.
var ErrConnectionClosed = errors.New("tts: connection closed")

// Config holds the remote synthesizer endpoint settings
type Config struct {
	URL         string
	AccessToken string
	Speaker     string
	Format      string
	SampleRate  int
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("tts: synthesizer URL is required")
	}
	if c.Speaker == "" {
		c.Speaker = "zh_female_warm"
	}
	if c.Format == "" {
		c.Format = "pcm"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	return nil
}

// Callbacks receive synthesis traffic. Fixed at construction; nil entries
// are skipped.
type Callbacks struct {
	// OnAudioData fires for every synthesized audio chunk
	OnAudioData func([]byte)
	// OnFinish fires on a sentence-boundary end event, signalling that one
	// synthesized utterance is complete. It does not mean the connection is
	// going away.
	OnFinish func()
	// OnClosed fires once when the connection leaves service
	OnClosed func(error)
}

// Client is the streaming synthesis client
type Client struct {
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu        sync.Mutex
	connState ConnState
	sessState SessionState
	conn      *websocket.Conn
	gen       uint64
	connID    string
	sessionID string

	connectDone chan struct{}
	connectErr  error
	startDone   chan struct{}
	startErr    error
	finishDone  chan struct{}
}

// NewClient creates a synthesis client
func NewClient(cfg Config, callbacks Callbacks, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}, nil
}

// ConnState returns the current connection state
func (c *Client) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// SessionState returns the current session state
func (c *Client) SessionState() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessState
}

// SessionID returns the id of the active session, if any
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect establishes the transport and waits for the connection-started
// event. Idempotent while a connect is in flight or already done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.connState {
	case ConnReady:
		c.mu.Unlock()
		return nil
	case ConnConnecting:
		done := c.connectDone
		c.mu.Unlock()
		return c.await(ctx, done, func() error { return c.connectErr })
	}

	done := make(chan struct{})
	c.connState = ConnConnecting
	c.connectDone = done
	c.connectErr = nil
	c.gen++
	gen := c.gen
	c.connID = uuid.NewString()
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	header.Set("X-Connect-Id", c.connID)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		err = fmt.Errorf("tts: dial %s: %w", c.cfg.URL, err)
		c.resolveConnect(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeEvent(wire.EventStartConnection, nil, []byte("{}")); err != nil {
		conn.Close()
		c.resolveConnect(err)
		return err
	}

	go c.readLoop(conn, gen)

	return c.await(ctx, done, func() error { return c.connectErr })
}

// StartSession opens a synthesis session and waits for the session-started
// acknowledgement carrying the session id. Idempotent while a start is in
// flight or a session is already active.
func (c *Client) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.connState != ConnReady {
		c.mu.Unlock()
		return fmt.Errorf("tts: start session in connection state %s", c.connState)
	}
	switch c.sessState {
	case SessionActive:
		c.mu.Unlock()
		return nil
	case SessionStarting:
		done := c.startDone
		c.mu.Unlock()
		return c.await(ctx, done, func() error { return c.startErr })
	}

	done := make(chan struct{})
	c.sessState = SessionStarting
	c.startDone = done
	c.startErr = nil
	sessionID := uuid.NewString()
	c.sessionID = sessionID
	c.mu.Unlock()

	params, err := json.Marshal(map[string]interface{}{
		"speaker": c.cfg.Speaker,
		"audio_params": map[string]interface{}{
			"format":      c.cfg.Format,
			"sample_rate": c.cfg.SampleRate,
		},
	})
	if err != nil {
		err = fmt.Errorf("tts: marshal session params: %w", err)
		c.resolveStart("", err)
		return err
	}

	if err := c.writeEvent(wire.EventStartSession, []byte(sessionID), params); err != nil {
		c.resolveStart("", err)
		return err
	}

	return c.await(ctx, done, func() error { return c.startErr })
}

// SendText submits one text chunk for synthesis. Requires both a ready
// connection and an active session.
func (c *Client) SendText(text string) error {
	c.mu.Lock()
	ready := c.connState == ConnReady && c.sessState == SessionActive
	sessionID := c.sessionID
	c.mu.Unlock()
	if !ready {
		return ErrNoSession
	}

	payload, err := json.Marshal(map[string]interface{}{"text": text})
	if err != nil {
		return fmt.Errorf("tts: marshal text: %w", err)
	}
	return c.writeEvent(wire.EventTaskRequest, []byte(sessionID), payload)
}

// FinishSession closes the active session gracefully and waits for the
// acknowledgement. With no session it resolves immediately.
func (c *Client) FinishSession(ctx context.Context) error {
	c.mu.Lock()
	if c.sessState == SessionNone || c.connState != ConnReady {
		c.mu.Unlock()
		return nil
	}
	if c.sessState == SessionFinishing {
		done := c.finishDone
		c.mu.Unlock()
		return c.await(ctx, done, func() error { return nil })
	}

	done := make(chan struct{})
	c.sessState = SessionFinishing
	c.finishDone = done
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := c.writeEvent(wire.EventFinishSession, []byte(sessionID), []byte("{}")); err != nil {
		return err
	}
	return c.await(ctx, done, func() error { return nil })
}

// Close finishes the connection gracefully
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	hadConn := conn != nil && c.connState == ConnReady
	c.mu.Unlock()

	if hadConn {
		// best effort; the remote closes the socket after acknowledging
		if err := c.writeEvent(wire.EventFinishConnection, nil, []byte("{}")); err != nil {
			c.logger.Debug("Graceful finish-connection failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	conn = c.conn
	c.conn = nil
	c.connState = ConnClosed
	c.sessState = SessionNone
	c.sessionID = ""
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Abort force-terminates the transport for barge-in. All session and
// connection identifiers are cleared synchronously and no graceful finish is
// attempted; waiting for one would add unacceptable latency to an interrupt.
func (c *Client) Abort() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connID = ""
	c.sessionID = ""
	c.connState = ConnDisconnected
	c.sessState = SessionNone
	if c.connectDone != nil {
		c.connectErr = ErrConnectionClosed
		close(c.connectDone)
		c.connectDone = nil
	}
	if c.startDone != nil {
		c.startErr = ErrConnectionClosed
		close(c.startDone)
		c.startDone = nil
	}
	if c.finishDone != nil {
		close(c.finishDone)
		c.finishDone = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) await(ctx context.Context, done chan struct{}, result func() error) error {
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeEvent encodes and writes one event-tagged frame. The id segment is
// omitted for connection-level events.
func (c *Client) writeEvent(event int32, id []byte, payload []byte) error {
	segments := make([][]byte, 0, 2)
	if id != nil {
		segments = append(segments, id)
	}
	if payload != nil {
		segments = append(segments, payload)
	}

	encoded, err := wire.Encode(wire.Frame{
		Type:          wire.MessageTypeFullClientRequest,
		Flags:         wire.FlagWithEvent,
		Serialization: wire.SerializationJSON,
		Compression:   wire.CompressionNone,
		Code:          event,
		Payloads:      segments,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrConnectionClosed
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return fmt.Errorf("tts: write event %d: %w", event, err)
	}
	return nil
}

func (c *Client) resolveConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectDone == nil {
		return
	}
	c.connectErr = err
	if err != nil {
		c.connState = ConnClosed
	} else {
		c.connState = ConnReady
	}
	close(c.connectDone)
	c.connectDone = nil
}

func (c *Client) resolveStart(sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startDone == nil {
		return
	}
	c.startErr = err
	if err != nil {
		c.sessState = SessionNone
		c.sessionID = ""
	} else {
		c.sessState = SessionActive
		if sessionID != "" {
			c.sessionID = sessionID
		}
	}
	close(c.startDone)
	c.startDone = nil
}

func (c *Client) resolveFinish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessState = SessionNone
	c.sessionID = ""
	if c.finishDone != nil {
		close(c.finishDone)
		c.finishDone = nil
	}
}

// readLoop receives and dispatches event frames until the connection dies.
// A loop superseded by Abort-and-reconnect must not touch shared state on
// the way out.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	var terminal error
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				terminal = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
			break
		}

		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			conn.Close()
			return
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Warn("Ignoring non-binary synthesizer message", zap.Int("type", messageType))
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			var protoErr *wire.ProtocolError
			if errors.As(err, &protoErr) {
				c.logger.Error("Dropping malformed synthesizer frame", zap.Error(err))
				continue
			}
			terminal = err
			break
		}

		if done := c.handleFrame(frame, &terminal); done {
			break
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	aborted := c.conn == nil && c.connState == ConnDisconnected
	if c.conn == conn {
		c.conn = nil
	}
	if !aborted {
		c.connState = ConnClosed
		c.sessState = SessionNone
	}
	c.mu.Unlock()
	conn.Close()

	pendingErr := terminal
	if pendingErr == nil {
		pendingErr = ErrConnectionClosed
	}
	c.resolveConnect(pendingErr)
	c.resolveStart("", pendingErr)
	c.resolveFinish()

	// an Abort already reset the lifecycle on purpose; stay quiet about it
	if !aborted && c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(terminal)
	}
}

func (c *Client) handleFrame(frame wire.Frame, terminal *error) bool {
	if frame.Type == wire.MessageTypeErrorResponse {
		remoteErr := frame.AsRemoteError()
		c.logger.Error("Synthesizer returned error frame",
			zap.Int32("code", remoteErr.Code),
			zap.Bool("internal", remoteErr.Internal()))
		*terminal = remoteErr
		return true
	}
	if !frame.Flags.HasEvent() {
		c.logger.Warn("Unexpected non-event synthesizer frame", zap.Uint8("type", uint8(frame.Type)))
		return false
	}

	switch frame.Code {
	case wire.EventConnectionStarted:
		c.resolveConnect(nil)

	case wire.EventConnectionFailed:
		*terminal = fmt.Errorf("tts: connection refused by remote: %s", frame.Payload())
		return true

	case wire.EventConnectionFinished:
		return true

	case wire.EventSessionStarted:
		c.resolveStart(string(frame.Payload()), nil)

	case wire.EventSessionFailed:
		c.resolveStart("", fmt.Errorf("tts: session failed: %s", lastSegment(frame)))

	case wire.EventSessionFinished:
		c.resolveFinish()

	case wire.EventAudioResponse:
		if audio := lastSegment(frame); len(audio) > 0 && c.callbacks.OnAudioData != nil {
			c.callbacks.OnAudioData(audio)
		}

	case wire.EventSentenceStart:
		// informational; playback gating keys off the end event

	case wire.EventSentenceEnd:
		if c.callbacks.OnFinish != nil {
			c.callbacks.OnFinish()
		}

	default:
		c.logger.Warn("Unknown synthesizer event", zap.Int32("event", frame.Code))
	}
	return false
}

// lastSegment returns the payload that follows the id segment, falling back
// to the only segment for frames that carry no id.
func lastSegment(frame wire.Frame) []byte {
	if len(frame.Payloads) == 0 {
		return nil
	}
	return frame.Payloads[len(frame.Payloads)-1]
}
