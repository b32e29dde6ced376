package repositories

import "context"

// AudioConfig describes the PCM stream the recognizer should expect
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// Transcriber is the one-shot, non-duplex recognition helper. Implementations
// enforce a fixed deadline; the duplex streaming recognizer does not go
// through this interface.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
}
