// Package vpr implements the request/response client for the
// speaker-identification collaborator: voiceprint recognition and
// enrollment over buffered audio.
package vpr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/repositories"
)

const (
	defaultTimeout = 10 * time.Second
)

// Config holds the identification service settings
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("vpr: base URL is required")
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// Client talks to the speaker-identification service
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ repositories.VoiceprintService = (*Client)(nil)

// NewClient creates a speaker-identification client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type recognizeRequest struct {
	UserID    string  `json:"user_id"`
	Audio     string  `json:"audio"` // base64 encoded
	Threshold float64 `json:"threshold"`
}

type recognizeResponse struct {
	Matched    bool    `json:"matched"`
	PersonID   string  `json:"person_id"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity"`
}

// Recognize matches buffered audio against the user's enrolled templates.
// A below-threshold result comes back as Matched=false with no error; the
// caller decides what an unknown speaker means.
func (c *Client) Recognize(ctx context.Context, userID string, audio []byte, threshold float64) (repositories.VoiceMatch, error) {
	if threshold < 0 || threshold > 1 {
		return repositories.VoiceMatch{}, fmt.Errorf("vpr: threshold must be between 0 and 1, got %f", threshold)
	}
	if len(audio) == 0 {
		return repositories.VoiceMatch{}, fmt.Errorf("vpr: audio cannot be empty")
	}

	var resp recognizeResponse
	err := c.post(ctx, "/voiceprint/recognize", recognizeRequest{
		UserID:    userID,
		Audio:     base64.StdEncoding.EncodeToString(audio),
		Threshold: threshold,
	}, &resp)
	if err != nil {
		return repositories.VoiceMatch{}, err
	}

	c.logger.Debug("Voiceprint recognition completed",
		zap.String("userID", userID),
		zap.Bool("matched", resp.Matched),
		zap.Float64("similarity", resp.Similarity))

	return repositories.VoiceMatch{
		Matched:    resp.Matched,
		PersonID:   resp.PersonID,
		Confidence: resp.Confidence,
		Similarity: resp.Similarity,
	}, nil
}

type enrollRequest struct {
	UserID    string `json:"user_id"`
	Audio     string `json:"audio"` // base64 encoded
	PersonID  string `json:"person_id,omitempty"`
	Temporal  bool   `json:"temporal"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type enrollResponse struct {
	PersonID   string `json:"person_id"`
	TemplateID string `json:"template_id"`
}

// Enroll registers buffered audio as a new voice template
func (c *Client) Enroll(ctx context.Context, userID string, audio []byte, opts repositories.EnrollOptions) (repositories.Enrollment, error) {
	if len(audio) == 0 {
		return repositories.Enrollment{}, fmt.Errorf("vpr: audio cannot be empty")
	}

	req := enrollRequest{
		UserID:   userID,
		Audio:    base64.StdEncoding.EncodeToString(audio),
		PersonID: opts.PersonID,
		Temporal: opts.Temporal,
	}
	if opts.Temporal && opts.ExpiresAt != nil {
		req.ExpiresAt = opts.ExpiresAt.UTC().Format(time.RFC3339)
	}

	var resp enrollResponse
	if err := c.post(ctx, "/voiceprint/enroll", req, &resp); err != nil {
		return repositories.Enrollment{}, err
	}

	c.logger.Info("Voiceprint enrolled",
		zap.String("userID", userID),
		zap.String("personID", resp.PersonID),
		zap.Bool("temporal", opts.Temporal))

	return repositories.Enrollment{
		PersonID:   resp.PersonID,
		TemplateID: resp.TemplateID,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("vpr: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("vpr: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vpr: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vpr: %s returned status %d: %s", path, resp.StatusCode, errorBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vpr: decode response: %w", err)
	}
	return nil
}
