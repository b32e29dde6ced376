package websocket

import (
	"encoding/json"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
		action  string
	}{
		{
			name:    "valid update config",
			message: `{"id":"req-1","action":"updateConfig","data":{"timezone":"Asia/Jakarta"}}`,
			action:  ActionUpdateConfig,
		},
		{
			name:    "valid audio chunk",
			message: `{"id":"req-2","action":"inputAudioStream","data":{"audio":"SGVsbG8="}}`,
			action:  ActionInputAudioStream,
		},
		{
			name:    "action without data",
			message: `{"id":"req-3","action":"clearContext"}`,
			action:  ActionClearContext,
		},
		{
			name:    "missing action",
			message: `{"id":"req-4","data":{}}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			message: `{"id":"req-5",`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && req.Action != tt.action {
				t.Errorf("action = %q, want %q", req.Action, tt.action)
			}
		})
	}
}

func TestResponseEnvelopeShape(t *testing.T) {
	ack := NewAck("req-1", ActionUpdateConfig, map[string]string{"timezone": "Asia/Jakarta"})
	data, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if decoded["id"] != "req-1" || decoded["action"] != ActionUpdateConfig {
		t.Errorf("ack envelope = %v", decoded)
	}
	if decoded["success"] != true {
		t.Error("ack should carry success=true")
	}
	if _, ok := decoded["message"]; ok {
		t.Error("ack must not carry an error message")
	}

	failure := NewErrorResponse("req-2", ActionInputAudioStream, "invalid base64 audio")
	data, err = json.Marshal(failure)
	if err != nil {
		t.Fatalf("marshal error response: %v", err)
	}
	decoded = make(map[string]interface{})
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if decoded["success"] != false || decoded["message"] != "invalid base64 audio" {
		t.Errorf("error envelope = %v", decoded)
	}

	event := NewEvent(EventAudioComplete, nil)
	data, err = json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	// unmarshal merges into an existing map, so start from a fresh one
	decoded = make(map[string]interface{})
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	// events are unsolicited and carry no request id
	if _, ok := decoded["id"]; ok {
		t.Error("event must not carry a request id")
	}
	if decoded["action"] != EventAudioComplete {
		t.Errorf("event action = %v", decoded["action"])
	}
}

func TestConfigPayloadOutputTextAbsent(t *testing.T) {
	var payload ConfigPayload
	if err := json.Unmarshal([]byte(`{"timezone":"UTC"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.OutputText != nil {
		t.Error("absent outputText should decode to nil")
	}

	if err := json.Unmarshal([]byte(`{"outputText":false}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.OutputText == nil || *payload.OutputText {
		t.Error("explicit outputText=false should decode to a false pointer")
	}
}
