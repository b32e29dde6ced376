package entities

// ConversationConfig carries the client-tunable settings for one connection.
// Zero values fall back to server defaults when applied.
type ConversationConfig struct {
	ConversationID string `json:"conversationId,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	OutputText     bool   `json:"outputText"`
}

// Merge applies the non-empty fields of an update on top of the current
// config and returns the effective result. OutputText is a complete setting
// rather than a patch: every update carries its value, and the session layer
// resolves an absent wire field to enabled before calling in.
func (c ConversationConfig) Merge(update ConversationConfig) ConversationConfig {
	merged := c
	if update.ConversationID != "" {
		merged.ConversationID = update.ConversationID
	}
	if update.Timezone != "" {
		merged.Timezone = update.Timezone
	}
	merged.OutputText = update.OutputText
	return merged
}
