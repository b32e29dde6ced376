package websocket

import (
	"encoding/json"
	"fmt"
)

// Client actions carried in the request envelope
const (
	ActionUpdateConfig       = "updateConfig"
	ActionInputAudioStream   = "inputAudioStream"
	ActionInputAudioComplete = "inputAudioComplete"
	ActionClearContext       = "clearContext"
	ActionCancelOutput       = "cancelOutput"
)

// Server-initiated event actions
const (
	EventConnectionEstablished = "connection-established"
	EventTextStream            = "text-stream"
	EventTextComplete          = "text-complete"
	EventAudioStream           = "audio-stream"
	EventAudioComplete         = "audio-complete"
	EventChatComplete          = "chat-complete"
	EventCancelOutputAck       = "cancel-output-ack"
)

// Request is the inbound JSON envelope. ID is echoed back on direct
// responses so the client can correlate.
type Request struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the outbound JSON envelope, used both for request replies and
// for server-initiated events.
type Response struct {
	ID      string      `json:"id,omitempty"`
	Action  string      `json:"action"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ParseRequest decodes and minimally validates one inbound envelope
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request envelope: %w", err)
	}
	if req.Action == "" {
		return Request{}, fmt.Errorf("request envelope missing action")
	}
	return req, nil
}

// NewEvent builds a server-initiated event envelope
func NewEvent(action string, data interface{}) Response {
	return Response{Action: action, Success: true, Data: data}
}

// NewAck builds a successful reply to a client request
func NewAck(id, action string, data interface{}) Response {
	return Response{ID: id, Action: action, Success: true, Data: data}
}

// NewErrorResponse builds a failed reply to a client request
func NewErrorResponse(id, action, message string) Response {
	return Response{ID: id, Action: action, Success: false, Message: message}
}

// ConfigPayload is the updateConfig request body. OutputText is a pointer so
// an absent field is distinguishable from explicit false; absent selects the
// default, which is enabled.
type ConfigPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	OutputText     *bool  `json:"outputText,omitempty"`
}

// AudioChunkPayload carries one base64 audio chunk inbound
type AudioChunkPayload struct {
	Audio string `json:"audio"`
}

// TextStreamPayload carries role-tagged reply text outbound
type TextStreamPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// AudioStreamPayload carries one base64 synthesized chunk outbound
type AudioStreamPayload struct {
	Audio string `json:"audio"`
}

// ChatCompletePayload closes out one turn toward the client
type ChatCompletePayload struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// ConnectionEstablishedPayload greets the client after the upgrade
type ConnectionEstablishedPayload struct {
	DeviceID string `json:"deviceId"`
}
