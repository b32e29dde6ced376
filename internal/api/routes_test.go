package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/adapters"
	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/auth"
	"github.com/swaralabs/swara/internal/orchestrator"
	"github.com/swaralabs/swara/internal/websocket"
)

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	return s.text, s.err
}

func newTestServer(t *testing.T) (*httptest.Server, *adapters.MemoryCredentialStore) {
	credentials := adapters.NewMemoryCredentialStore()
	hub := websocket.NewHub(func(deviceID, userID string, events orchestrator.Events) (websocket.Conversation, error) {
		t.Fatal("conversation factory should not run in API tests")
		return nil, nil
	}, zap.NewNop())
	go hub.Run()

	e := echo.New()
	InitRoutes(e, hub, credentials, &stubTranscriber{text: "hello there"}, zap.NewNop())
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, credentials
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestDeviceAuthIssuesValidToken(t *testing.T) {
	server, credentials := newTestServer(t)
	deviceID, err := credentials.Register("SN-001", "secret-1", "user-1")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/v1/device/auth", "application/json",
		strings.NewReader(`{"serial_number":"SN-001","secret_key":"secret-1"}`))
	if err != nil {
		t.Fatalf("auth request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body DeviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.DeviceID != deviceID {
		t.Errorf("deviceID = %q, want %q", body.DeviceID, deviceID)
	}

	claims, err := auth.ValidateToken(body.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.DeviceID != deviceID || claims.UserID != "user-1" || claims.Role != "device" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestDeviceAuthRejectsBadCredentials(t *testing.T) {
	server, credentials := newTestServer(t)
	if _, err := credentials.Register("SN-001", "secret-1", "user-1"); err != nil {
		t.Fatalf("register device: %v", err)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"wrong secret", `{"serial_number":"SN-001","secret_key":"wrong"}`, http.StatusUnauthorized},
		{"unknown serial", `{"serial_number":"SN-999","secret_key":"secret-1"}`, http.StatusUnauthorized},
		{"missing fields", `{"serial_number":"SN-001"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/api/v1/device/auth", "application/json",
				strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("auth request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestTranscribeRequiresDeviceToken(t *testing.T) {
	server, _ := newTestServer(t)

	body := `{"audio":"` + base64.StdEncoding.EncodeToString([]byte("pcm-bytes")) + `"}`
	resp, err := http.Post(server.URL+"/api/v1/transcribe", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("transcribe request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTranscribeReturnsText(t *testing.T) {
	server, credentials := newTestServer(t)
	if _, err := credentials.Register("SN-001", "secret-1", "user-1"); err != nil {
		t.Fatalf("register device: %v", err)
	}

	authResp, err := http.Post(server.URL+"/api/v1/device/auth", "application/json",
		strings.NewReader(`{"serial_number":"SN-001","secret_key":"secret-1"}`))
	if err != nil {
		t.Fatalf("auth request failed: %v", err)
	}
	var authBody DeviceAuthResponse
	if err := json.NewDecoder(authResp.Body).Decode(&authBody); err != nil {
		t.Fatalf("decode auth body: %v", err)
	}
	authResp.Body.Close()

	body := `{"audio":"` + base64.StdEncoding.EncodeToString([]byte("pcm-bytes")) + `","encoding":"pcm"}`
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/transcribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+authBody.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transcribe request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result TranscribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Text != "hello there" {
		t.Errorf("text = %q, want %q", result.Text, "hello there")
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/ws")
	if err != nil {
		t.Fatalf("ws request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebSocketRejectsNonDeviceToken(t *testing.T) {
	server, _ := newTestServer(t)

	// a token without the device role must not open a session
	token, err := auth.GenerateDeviceToken("", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ws request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty device id", resp.StatusCode)
	}
}
