// Package asr implements the duplex streaming-recognition client. One client
// owns one websocket connection to the remote recognizer; audio flows out as
// sequence-tagged frames and transcripts flow back through the callbacks.
package asr

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

	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/wire"
)

// State is the connection-level lifecycle of the client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingReady
	StateReady
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotReady is returned by SendAudio when the client is not in a state
// that can accept audio. It is a rejection, not a connection failure.
var ErrNotReady = errors.New("asr: client not ready for audio")

// ErrConnectionClosed reports that the transport closed before a pending
// operation resolved.
var ErrConnectionClosed = errors.New("asr: connection closed")

// Config holds the remote recognizer endpoint settings
type Config struct {
	URL         string
	AccessToken string
	Audio       repositories.AudioConfig
	// Compress enables per-segment gzip on outbound frames
	Compress bool
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("asr: recognizer URL is required")
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Encoding == "" {
		c.Audio.Encoding = "pcm"
	}
	if c.Audio.Language == "" {
		c.Audio.Language = "zh-CN"
	}
	return nil
}

// Result is one recognition result delivered through the callbacks
type Result struct {
	Text     string
	Definite bool
}

// Callbacks receive recognition traffic. They are fixed at construction so
// dispatch order is explicit; nil entries are skipped.
type Callbacks struct {
	// OnUpdate fires for every provisional utterance
	OnUpdate func(Result)
	// OnFinish fires when the remote marks an utterance definite
	OnFinish func(Result)
	// OnClosed fires once when the connection leaves service, with the
	// terminal error if any
	OnClosed func(error)
}

// Client is the streaming recognition client. Reconnection is never
// automatic: after Closed the caller must call Connect again, which
// re-creates the transport and resets the sequence counter.
type Client struct {
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	seq         int32
	gen         uint64
	connectDone chan struct{}
	connectErr  error
	connID      string
}

// NewClient creates a recognition client. Connect must be called before any
// audio is sent.
func NewClient(cfg Config, callbacks Callbacks, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		state:     StateDisconnected,
	}, nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the transport, sends the configuration frame, and
// waits for the sequence-1 acknowledgement. It is idempotent: concurrent
// callers share the same in-flight attempt and a call while already Ready
// returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady, StateStreaming:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateAwaitingReady:
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	c.state = StateConnecting
	c.connectDone = done
	c.connectErr = nil
	c.seq = 0
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
		c.finishConnect(fmt.Errorf("asr: dial %s: %w", c.cfg.URL, err))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateAwaitingReady
	c.mu.Unlock()

	if err := c.sendConfig(); err != nil {
		conn.Close()
		c.finishConnect(err)
		return err
	}

	go c.readLoop(conn, gen)

	select {
	case <-done:
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendConfig writes the first configuration frame, which carries sequence
// number 1.
func (c *Client) sendConfig() error {
	payload, err := json.Marshal(map[string]interface{}{
		"user": map[string]interface{}{
			"uid": c.connID,
		},
		"audio": map[string]interface{}{
			"format":      c.cfg.Audio.Encoding,
			"sample_rate": c.cfg.Audio.SampleRate,
			"language":    c.cfg.Audio.Language,
		},
		"request": map[string]interface{}{
			"enable_punc": true,
			"show_utterances": true,
		},
	})
	if err != nil {
		return fmt.Errorf("asr: marshal config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 1
	return c.writeFrame(wire.Frame{
		Type:          wire.MessageTypeFullClientRequest,
		Flags:         wire.FlagPositiveSequence,
		Serialization: wire.SerializationJSON,
		Compression:   c.compression(),
		Code:          c.seq,
		Payloads:      [][]byte{payload},
	})
}

// SendAudio streams one chunk to the recognizer. The call is rejected with
// ErrNotReady unless the client is Ready or Streaming. Each call advances
// the sequence counter; the final chunk flips the sequence sign.
func (c *Client) SendAudio(data []byte, last bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady && c.state != StateStreaming {
		return ErrNotReady
	}

	c.seq++
	frame := wire.Frame{
		Type:          wire.MessageTypeAudioOnlyRequest,
		Flags:         wire.SequenceFlags(last),
		Serialization: wire.SerializationNone,
		Compression:   c.compression(),
		Code:          wire.Sequence(c.seq, last),
		Payloads:      [][]byte{data},
	}
	if err := c.writeFrame(frame); err != nil {
		return err
	}
	c.state = StateStreaming
	return nil
}

// Close tears the connection down. Pending operations resolve with
// ErrConnectionClosed via the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// writeFrame encodes and writes one frame; callers hold c.mu
func (c *Client) writeFrame(f wire.Frame) error {
	if c.conn == nil {
		return ErrConnectionClosed
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return fmt.Errorf("asr: write frame: %w", err)
	}
	return nil
}

func (c *Client) compression() wire.Compression {
	if c.cfg.Compress {
		return wire.CompressionGzip
	}
	return wire.CompressionNone
}

// finishConnect resolves the pending Connect exactly once
func (c *Client) finishConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectDone == nil {
		return
	}
	c.connectErr = err
	if err != nil && c.state != StateClosed {
		c.state = StateClosed
	}
	close(c.connectDone)
	c.connectDone = nil
}

// readLoop receives and classifies incoming frames until the connection
// dies. Decode errors are logged per message and leave the connection alive.
// A loop whose generation has been superseded by a reconnect must not touch
// shared state on the way out.
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
			c.logger.Warn("Ignoring non-binary recognizer message", zap.Int("type", messageType))
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			var protoErr *wire.ProtocolError
			if errors.As(err, &protoErr) {
				c.logger.Error("Dropping malformed recognizer frame", zap.Error(err))
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
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	conn.Close()

	c.finishConnect(firstError(terminal, ErrConnectionClosed))
	if c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(terminal)
	}
}

// handleFrame dispatches one decoded frame; it returns true when the
// connection must stop.
func (c *Client) handleFrame(frame wire.Frame, terminal *error) bool {
	switch frame.Type {
	case wire.MessageTypeErrorResponse:
		remoteErr := frame.AsRemoteError()
		c.logger.Error("Recognizer returned error frame",
			zap.Int32("code", remoteErr.Code),
			zap.Bool("internal", remoteErr.Internal()))
		*terminal = remoteErr
		return true

	case wire.MessageTypeFullServerResponse:
		// the sequence-1 acknowledgement flips the client to Ready
		if frame.SequenceMagnitude() == 1 {
			c.mu.Lock()
			pending := c.state == StateAwaitingReady
			if pending {
				c.state = StateReady
			}
			c.mu.Unlock()
			if pending {
				c.logger.Debug("Recognizer ready", zap.String("connID", c.connID))
				c.finishConnect(nil)
				return false
			}
		}
		c.dispatchResults(frame)
		return false

	default:
		c.logger.Warn("Unexpected recognizer frame type", zap.Uint8("type", uint8(frame.Type)))
		return false
	}
}

// recognitionResponse mirrors the recognizer's JSON result payload
type recognitionResponse struct {
	Result struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text     string `json:"text"`
			Definite bool   `json:"definite"`
		} `json:"utterances"`
	} `json:"result"`
}

func (c *Client) dispatchResults(frame wire.Frame) {
	if frame.Serialization != wire.SerializationJSON || len(frame.Payload()) == 0 {
		return
	}

	var resp recognitionResponse
	if err := json.Unmarshal(frame.Payload(), &resp); err != nil {
		c.logger.Error("Failed to parse recognition result", zap.Error(err))
		return
	}

	for _, utterance := range resp.Result.Utterances {
		result := Result{Text: utterance.Text, Definite: utterance.Definite}
		if utterance.Definite {
			if c.callbacks.OnFinish != nil {
				c.callbacks.OnFinish(result)
			}
		} else if c.callbacks.OnUpdate != nil {
			c.callbacks.OnUpdate(result)
		}
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
