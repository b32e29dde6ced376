// Package stt provides the one-shot transcription fallback over Google
// Cloud Speech-to-Text. The duplex streaming recognizer does not go through
// here; this path serves short buffered clips with a hard deadline.
package stt

import (
	"context"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/repositories"
)

const defaultTimeout = 15 * time.Second

// GoogleTranscriber implements the one-shot Transcriber for Google Cloud
type GoogleTranscriber struct {
	timeout time.Duration
	logger  *zap.Logger
}

var _ repositories.Transcriber = (*GoogleTranscriber)(nil)

// NewGoogleTranscriber creates a transcriber with a fixed per-request
// deadline. A zero timeout uses the default.
func NewGoogleTranscriber(timeout time.Duration, logger *zap.Logger) *GoogleTranscriber {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &GoogleTranscriber{timeout: timeout, logger: logger}
}

// TranscribeAudio converts buffered audio to text. The deadline is enforced
// here regardless of what the caller's context carries.
func (g *GoogleTranscriber) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	client, err := speech.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create speech client: %w", err)
	}
	defer client.Close()

	response, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        encoding,
			SampleRateHertz: int32(config.SampleRate),
			LanguageCode:    config.Language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	})
	if err != nil {
		return "", fmt.Errorf("recognize request failed: %w", err)
	}

	var transcription string
	for _, result := range response.Results {
		if len(result.Alternatives) > 0 {
			transcription += result.Alternatives[0].Transcript
		}
	}
	if transcription == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}

	g.logger.Debug("One-shot transcription completed",
		zap.Int("audioBytes", len(audioData)),
		zap.Int("textLength", len(transcription)))

	return transcription, nil
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "pcm", "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
