package dialogue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swaralabs/swara/domain/repositories"
)

// MockEngine is a placeholder dialogue engine for development without API
// credentials. It echoes the utterance after a configurable delay and
// honors cancellation, which makes barge-in testable end to end.
type MockEngine struct {
	// Delay simulates remote latency before the reply comes back
	Delay time.Duration
}

var _ repositories.DialogueEngine = (*MockEngine)(nil)

// Dispatch implements repositories.DialogueEngine
func (m *MockEngine) Dispatch(ctx context.Context, request repositories.DialogueRequest) (repositories.DialogueReply, error) {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return repositories.DialogueReply{}, fmt.Errorf("dialogue dispatch: %w", ctx.Err())
		case <-timer.C:
		}
	}

	conversationID := request.ConversationID
	if request.NewConversation || conversationID == "" {
		conversationID = uuid.New().String()
	}

	return repositories.DialogueReply{
		Text:           fmt.Sprintf("You said: %s", request.Text),
		ConversationID: conversationID,
	}, nil
}
