// Package dialogue implements the DialogueEngine over Google's Gemini API,
// with server-side conversation history keyed by conversation ID.
package dialogue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/swaralabs/swara/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 60

	systemPrompt = "You are a warm, concise voice assistant. Replies are spoken " +
		"aloud, so keep them short, natural, and free of markup. When the user " +
		"mentions times or dates, interpret them in the user's timezone."
)

// GeminiConfig holds the dialogue engine settings
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// Validate checks the config and rejects out-of-range values
func (c *GeminiConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if c.Temperature != 0 && (c.Temperature < 0 || c.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", c.Temperature)
	}
	if c.TopP != 0 && (c.TopP < 0 || c.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", c.TopP)
	}
	if c.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", c.TopK)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

func (c *GeminiConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
}

// GeminiEngine implements the DialogueEngine interface using Google's Gemini
// API. Conversation history lives in memory, keyed by conversation ID.
type GeminiEngine struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *zap.Logger

	mu            sync.Mutex
	conversations map[string][]*genai.Content
}

var _ repositories.DialogueEngine = (*GeminiEngine)(nil)

// NewGeminiEngine creates a new Gemini dialogue engine
func NewGeminiEngine(cfg GeminiConfig, logger *zap.Logger) (*GeminiEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiEngine{
		client:        client,
		cfg:           cfg,
		logger:        logger,
		conversations: make(map[string][]*genai.Content),
	}, nil
}

// Dispatch sends one utterance and returns the complete reply. The request
// context controls cancellation; a cancelled dispatch returns an error
// wrapping context.Canceled.
func (g *GeminiEngine) Dispatch(ctx context.Context, request repositories.DialogueRequest) (repositories.DialogueReply, error) {
	conversationID := request.ConversationID
	if request.NewConversation || conversationID == "" {
		conversationID = uuid.New().String()
	}

	g.mu.Lock()
	history := append([]*genai.Content(nil), g.conversations[conversationID]...)
	g.mu.Unlock()

	prompt := systemPrompt
	if request.Timezone != "" {
		prompt += fmt.Sprintf(" The user's timezone is %s.", request.Timezone)
	}

	var contents []*genai.Content
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	contents = append(contents, history...)
	userContent := genai.NewContentFromText(request.Text, genai.RoleUser)
	contents = append(contents, userContent)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.cfg.Temperature),
		TopP:            genai.Ptr(g.cfg.TopP),
		TopK:            genai.Ptr(g.cfg.TopK),
		MaxOutputTokens: int32(g.cfg.MaxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			// cancelled or timed out, retrying would be pointless
			return repositories.DialogueReply{}, fmt.Errorf("dialogue dispatch: %w", ctx.Err())
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	if err != nil {
		return repositories.DialogueReply{}, fmt.Errorf("dialogue dispatch: %w", err)
	}

	replyText := extractText(response)
	if replyText == "" {
		return repositories.DialogueReply{}, fmt.Errorf("dialogue dispatch: empty reply")
	}

	g.mu.Lock()
	g.conversations[conversationID] = append(g.conversations[conversationID],
		userContent, genai.NewContentFromText(replyText, genai.RoleModel))
	g.mu.Unlock()

	g.logger.Info("Dialogue reply generated",
		zap.String("conversationID", conversationID),
		zap.Int("replyLength", len(replyText)))

	return repositories.DialogueReply{
		Text:           replyText,
		ConversationID: conversationID,
	}, nil
}

// ForgetConversation drops the stored history for a conversation
func (g *GeminiEngine) ForgetConversation(conversationID string) {
	g.mu.Lock()
	delete(g.conversations, conversationID)
	g.mu.Unlock()
}

func extractText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text
}
