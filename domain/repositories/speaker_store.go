package repositories

import (
	"context"
	"time"

	"github.com/swaralabs/swara/domain/entities"
)

// SpeakerTemplateRepository persists the voiceprint-template to user linkage.
// The templates themselves live in the identification collaborator; this
// store only records who a template belongs to.
type SpeakerTemplateRepository interface {
	Save(ctx context.Context, template *entities.SpeakerTemplate) error
	GetByPersonID(ctx context.Context, personID string) (*entities.SpeakerTemplate, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
