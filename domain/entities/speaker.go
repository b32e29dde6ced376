package entities

import (
	"time"
)

// SpeakerTemplate links a voiceprint template held by the identification
// collaborator to the application user it belongs to. The feature vector
// itself is opaque to this server; only the linkage is persisted here.
type SpeakerTemplate struct {
	TemplateID string     `json:"template_id" bson:"template_id"`
	PersonID   string     `json:"person_id" bson:"person_id"`
	UserID     string     `json:"user_id" bson:"user_id"`
	Temporal   bool       `json:"temporal" bson:"temporal"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
}

// NewTemporalSpeakerTemplate creates an auto-enrolled template that expires
// after the given duration.
func NewTemporalSpeakerTemplate(templateID, personID, userID string, ttl time.Duration) *SpeakerTemplate {
	now := time.Now()
	expires := now.Add(ttl)
	return &SpeakerTemplate{
		TemplateID: templateID,
		PersonID:   personID,
		UserID:     userID,
		Temporal:   true,
		ExpiresAt:  &expires,
		CreatedAt:  now,
	}
}

// Expired reports whether a temporal template has passed its expiry
func (s *SpeakerTemplate) Expired() bool {
	if !s.Temporal || s.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*s.ExpiresAt)
}
