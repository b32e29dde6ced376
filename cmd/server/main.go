package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/adapters"
	"github.com/swaralabs/swara/adapters/dialogue"
	"github.com/swaralabs/swara/adapters/mongo"
	"github.com/swaralabs/swara/adapters/stt"
	"github.com/swaralabs/swara/domain/repositories"
	"github.com/swaralabs/swara/internal/api"
	"github.com/swaralabs/swara/internal/asr"
	"github.com/swaralabs/swara/internal/orchestrator"
	"github.com/swaralabs/swara/internal/tts"
	"github.com/swaralabs/swara/internal/vpr"
	"github.com/swaralabs/swara/internal/websocket"
)

func main() {
	godotenv.Load()

	logger, _ := zap.NewProduction()
	if os.Getenv("ENV") == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Dialogue engine: Gemini when credentials are present, the echo mock
	// otherwise so local development works without API keys.
	var dialogueEngine repositories.DialogueEngine
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		engine, err := dialogue.NewGeminiEngine(dialogue.GeminiConfig{APIKey: apiKey}, logger)
		if err != nil {
			logger.Fatal("Failed to create dialogue engine", zap.Error(err))
		}
		dialogueEngine = engine
	} else {
		logger.Warn("GEMINI_API_KEY not set, using mock dialogue engine")
		dialogueEngine = &dialogue.MockEngine{Delay: 300 * time.Millisecond}
	}

	voiceprint, err := vpr.NewClient(vpr.Config{
		BaseURL: envOr("VPR_BASE_URL", "http://localhost:8085"),
		APIKey:  os.Getenv("VPR_API_KEY"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create voiceprint client", zap.Error(err))
	}

	// Speaker template persistence is optional; without MongoDB the
	// gateway still runs, it just forgets temporal enrollments on restart.
	var templates repositories.SpeakerTemplateRepository
	if os.Getenv("MONGODB_URI") != "" {
		client, err := mongo.NewClient(logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Close(context.Background())
		templates = mongo.NewSpeakerTemplateRepository(client.Database)

		cleanup := vpr.NewTemplateCleanupService(templates, 0, logger)
		cleanup.Start()
		defer cleanup.Stop()
	}

	credentials := adapters.NewMemoryCredentialStore()
	seedDeviceCredentials(credentials, logger)

	asrURL := envOr("ASR_WS_URL", "ws://localhost:8090/asr")
	asrToken := os.Getenv("ASR_ACCESS_TOKEN")
	ttsURL := envOr("TTS_WS_URL", "ws://localhost:8091/tts")
	ttsToken := os.Getenv("TTS_ACCESS_TOKEN")
	ttsSpeaker := os.Getenv("TTS_SPEAKER")

	hub := websocket.NewHub(func(deviceID, userID string, events orchestrator.Events) (websocket.Conversation, error) {
		sessionLogger := logger.With(zap.String("deviceID", deviceID))
		return orchestrator.New(
			orchestrator.Config{UserID: userID},
			orchestrator.Deps{
				Dialogue:   dialogueEngine,
				Voiceprint: voiceprint,
				Templates:  templates,
				NewRecognizer: func(callbacks asr.Callbacks) (orchestrator.Recognizer, error) {
					return asr.NewClient(asr.Config{
						URL:         asrURL,
						AccessToken: asrToken,
					}, callbacks, sessionLogger)
				},
				NewSynthesizer: func(callbacks tts.Callbacks) (orchestrator.Synthesizer, error) {
					return tts.NewClient(tts.Config{
						URL:         ttsURL,
						AccessToken: ttsToken,
						Speaker:     ttsSpeaker,
					}, callbacks, sessionLogger)
				},
			},
			events,
			sessionLogger,
		), nil
	}, logger)
	go hub.Run()

	transcriber := stt.NewGoogleTranscriber(0, logger)

	api.InitRoutes(e, hub, credentials, transcriber, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Gateway started", zap.String("port", port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// seedDeviceCredentials registers devices listed in the environment so a
// fresh deployment has something to authenticate against. Format:
// DEVICE_SEED="serial:secret:userID[,serial:secret:userID...]"
func seedDeviceCredentials(store *adapters.MemoryCredentialStore, logger *zap.Logger) {
	seed := os.Getenv("DEVICE_SEED")
	if seed == "" {
		return
	}

	count := 0
	for _, entry := range strings.Split(seed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			logger.Warn("Skipping malformed device seed entry", zap.String("entry", entry))
			continue
		}
		if _, err := store.Register(parts[0], parts[1], parts[2]); err != nil {
			logger.Warn("Failed to register seeded device", zap.String("serial", parts[0]), zap.Error(err))
			continue
		}
		count++
	}
	logger.Info("Seeded device credentials", zap.Int("count", count))
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
