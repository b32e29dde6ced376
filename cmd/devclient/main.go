// Dev client for exercising the gateway end to end: authenticates a device,
// opens the websocket session, streams a PCM file as audio chunks, and
// prints every event the server sends back.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type deviceAuthRequest struct {
	SerialNumber string `json:"serial_number"`
	SecretKey    string `json:"secret_key"`
}

type deviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

type envelope struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8080", "gateway host")
	serial := flag.String("serial", "SN-DEV-001", "device serial number")
	secret := flag.String("secret", "dev-secret", "device secret key")
	audioFile := flag.String("audio", "", "PCM file to stream as input audio")
	chunkSize := flag.Int("chunk", 3200, "audio chunk size in bytes")
	flag.Parse()

	token, deviceID, err := authenticateDevice(*host, *serial, *secret)
	if err != nil {
		log.Fatal("Failed to authenticate device: ", err)
	}
	log.Printf("Authenticated device %s", deviceID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		log.Fatal("dial: ", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go readEvents(conn, done)

	send(conn, envelope{ID: "cfg-1", Action: "updateConfig"}, map[string]interface{}{
		"timezone": "Asia/Jakarta",
	})

	if *audioFile != "" {
		if err := streamAudio(conn, *audioFile, *chunkSize); err != nil {
			log.Fatal("stream audio: ", err)
		}
	}

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupted, closing")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func authenticateDevice(host, serial, secret string) (string, string, error) {
	body, err := json.Marshal(deviceAuthRequest{SerialNumber: serial, SecretKey: secret})
	if err != nil {
		return "", "", err
	}

	resp, err := http.Post("http://"+host+"/api/v1/device/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("auth failed with status %d: %s", resp.StatusCode, responseBody)
	}

	var auth deviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", "", err
	}
	return auth.Token, auth.DeviceID, nil
}

func streamAudio(conn *websocket.Conn, path string, chunkSize int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	log.Printf("Streaming %d bytes in %d byte chunks", len(data), chunkSize)

	seq := 0
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		seq++
		err := sendRaw(conn, envelope{
			ID:     fmt.Sprintf("audio-%d", seq),
			Action: "inputAudioStream",
		}, map[string]string{
			"audio": base64.StdEncoding.EncodeToString(data[offset:end]),
		})
		if err != nil {
			return err
		}
		// pace roughly like a live microphone
		time.Sleep(100 * time.Millisecond)
	}

	return sendRaw(conn, envelope{ID: "audio-done", Action: "inputAudioComplete"}, nil)
}

func readEvents(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Println("read: ", err)
			return
		}
		var event envelope
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("<- unparseable: %s", message)
			continue
		}
		if event.Action == "audio-stream" {
			// audio payloads are noisy, just report the size
			log.Printf("<- audio-stream (%d bytes base64)", len(event.Data))
			continue
		}
		log.Printf("<- %s success=%v data=%s message=%s",
			event.Action, event.Success, event.Data, event.Message)
	}
}

func send(conn *websocket.Conn, env envelope, data interface{}) {
	if err := sendRaw(conn, env, data); err != nil {
		log.Fatal("write: ", err)
	}
}

func sendRaw(conn *websocket.Conn, env envelope, data interface{}) error {
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = encoded
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
