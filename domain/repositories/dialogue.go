package repositories

import "context"

// DialogueEngine abstracts the remote dialogue-generation service. The engine
// receives one recognized utterance and returns the complete reply text.
// Cancellation goes through ctx; a cancelled dispatch returns an error
// wrapping context.Canceled, which callers treat as a no-op rather than a
// failure.
type DialogueEngine interface {
	Dispatch(ctx context.Context, request DialogueRequest) (DialogueReply, error)
}

// DialogueRequest is one utterance submitted for a reply
type DialogueRequest struct {
	ConversationID  string `json:"conversation_id,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	Text            string `json:"text"`
	NewConversation bool   `json:"new_conversation"`
}

// DialogueReply is the engine's complete reply. ConversationID is set when
// the engine opened a new conversation for this request.
type DialogueReply struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
}
