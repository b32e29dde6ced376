package repositories

import (
	"context"
	"time"
)

// VoiceprintService abstracts the speaker-identification collaborator.
// Recognize returning no match is a normal negative result, not an error.
type VoiceprintService interface {
	// Recognize matches buffered audio against the user's enrolled templates.
	// Threshold must be within [0,1]; out-of-range values are rejected before
	// any request is made.
	Recognize(ctx context.Context, userID string, audio []byte, threshold float64) (VoiceMatch, error)

	// Enroll registers buffered audio as a new voice template.
	Enroll(ctx context.Context, userID string, audio []byte, opts EnrollOptions) (Enrollment, error)
}

// VoiceMatch is the result of a recognition attempt
type VoiceMatch struct {
	Matched    bool    `json:"matched"`
	PersonID   string  `json:"person_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity"`
}

// EnrollOptions controls how a template is registered. A temporal template
// auto-expires; ExpiresAt is only meaningful when Temporal is set.
type EnrollOptions struct {
	PersonID  string
	Temporal  bool
	ExpiresAt *time.Time
}

// Enrollment identifies a freshly registered template
type Enrollment struct {
	PersonID   string `json:"person_id"`
	TemplateID string `json:"template_id"`
}
