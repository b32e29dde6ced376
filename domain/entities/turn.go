package entities

import (
	"time"
)

// TurnState represents the lifecycle state of a conversation turn
type TurnState string

const (
	TurnStateIdle                TurnState = "idle"
	TurnStateAwaitingRecognition TurnState = "awaiting_recognition"
	TurnStateDispatched          TurnState = "dispatched"
	TurnStateSynthesizing        TurnState = "synthesizing"
	TurnStateAborted             TurnState = "aborted"
	TurnStateCompleted           TurnState = "completed"
)

// ConversationTurn tracks one user utterance through to its synthesized reply.
// A turn is created when a definite transcript survives the noise gate and is
// destroyed when synthesis completes or the turn is aborted by barge-in.
type ConversationTurn struct {
	ID             string
	RecognizedText string
	SpeakerID      string // empty until the identification collaborator attributes it
	ReplyText      string
	State          TurnState
	StartedAt      time.Time
}

// NewConversationTurn creates a turn for a recognized utterance
func NewConversationTurn(id, recognizedText string) *ConversationTurn {
	return &ConversationTurn{
		ID:             id,
		RecognizedText: recognizedText,
		State:          TurnStateAwaitingRecognition,
		StartedAt:      time.Now(),
	}
}

// InFlight reports whether the turn still holds the conversation pipeline
func (t *ConversationTurn) InFlight() bool {
	switch t.State {
	case TurnStateAwaitingRecognition, TurnStateDispatched, TurnStateSynthesizing:
		return true
	}
	return false
}

// Dispatch marks the turn as handed to the dialogue engine
func (t *ConversationTurn) Dispatch() {
	t.State = TurnStateDispatched
}

// Synthesize records the dialogue reply and moves the turn into synthesis
func (t *ConversationTurn) Synthesize(replyText string) {
	t.ReplyText = replyText
	t.State = TurnStateSynthesizing
}

// Complete marks the turn as fully played out
func (t *ConversationTurn) Complete() {
	t.State = TurnStateCompleted
}

// Abort marks the turn as interrupted; an aborted turn never completes
func (t *ConversationTurn) Abort() {
	t.State = TurnStateAborted
}
