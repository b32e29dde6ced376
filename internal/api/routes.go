package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/auth"
	"github.com/swaralabs/swara/internal/websocket"
)

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, credentials repositories.CredentialValidator, transcriber repositories.Transcriber, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "swara-gateway",
			"clients": hub.ClientCount(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/device/auth", func(c echo.Context) error {
		return deviceAuth(c, credentials, logger)
	})

	// One-shot transcription for buffered clips; the live conversation path
	// streams over the websocket instead.
	v1.POST("/transcribe", func(c echo.Context) error {
		return transcribe(c, transcriber, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, logger)
	})
}

// deviceAuth exchanges device credentials for a short-lived JWT
func deviceAuth(c echo.Context, credentials repositories.CredentialValidator, logger *zap.Logger) error {
	var req DeviceAuthRequest

	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	deviceID, userID, err := credentials.ValidateDevice(req.SerialNumber, req.SecretKey)
	if err != nil {
		logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	token, err := auth.GenerateDeviceToken(deviceID, userID)
	if err != nil {
		logger.Error("Failed to generate device token",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	// Expiration matches the JWT claims (24 hours)
	expiresAt := time.Now().Add(24 * time.Hour)

	logger.Info("Device authenticated successfully",
		zap.String("device_id", deviceID),
		zap.String("serial_number", req.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  deviceID,
	})
}

// transcribe runs one buffered clip through the one-shot transcriber. Device
// authentication is required; the endpoint is not open to anonymous callers.
func transcribe(c echo.Context, transcriber repositories.Transcriber, logger *zap.Logger) error {
	if _, err := deviceClaims(c); err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "A valid device token is required",
		})
	}
	if transcriber == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "transcription_unavailable",
			Message: "One-shot transcription is not configured",
		})
	}

	var req TranscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil || len(audio) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_audio",
			Message: "Audio must be non-empty base64",
		})
	}

	config := repositories.AudioConfig{
		Encoding:   req.Encoding,
		SampleRate: req.SampleRate,
		Language:   req.Language,
	}
	if config.Encoding == "" {
		config.Encoding = "pcm"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.Language == "" {
		config.Language = "en-US"
	}

	text, err := transcriber.TranscribeAudio(c.Request().Context(), audio, config)
	if err != nil {
		logger.Error("One-shot transcription failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "transcription_failed",
			Message: "Failed to transcribe audio",
		})
	}

	return c.JSON(http.StatusOK, TranscribeResponse{Text: text})
}

// deviceClaims extracts and validates the bearer token on a REST request
func deviceClaims(c echo.Context) (*auth.JWTClaims, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) <= 7 || authHeader[:7] != "Bearer " {
		return nil, fmt.Errorf("missing bearer token")
	}
	claims, err := auth.ValidateToken(authHeader[7:])
	if err != nil {
		return nil, err
	}
	if claims.Role != "device" {
		return nil, fmt.Errorf("token role %q is not allowed", claims.Role)
	}
	return claims, nil
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, c echo.Context, logger *zap.Logger) error {
	// Extract JWT token from Authorization header only
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" && len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != "device" {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens are allowed for WebSocket connections",
		})
	}

	if claims.DeviceID == "" {
		logger.Error("WebSocket connection rejected: missing device ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("device_id", claims.DeviceID))

	return websocket.ServeWS(hub, c, claims.DeviceID, claims.UserID, logger)
}
