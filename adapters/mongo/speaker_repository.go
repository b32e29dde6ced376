package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/swaralabs/swara/domain/entities"
	"github.com/swaralabs/swara/domain/repositories"
)

// SpeakerTemplateRepository persists voiceprint-template linkages in the
// "speaker_templates" collection.
type SpeakerTemplateRepository struct {
	collection *mongo.Collection
}

// NewSpeakerTemplateRepository creates a MongoDB speaker template repository
func NewSpeakerTemplateRepository(db *mongo.Database) repositories.SpeakerTemplateRepository {
	return &SpeakerTemplateRepository{
		collection: db.Collection("speaker_templates"),
	}
}

// Save implements repositories.SpeakerTemplateRepository. Saving the same
// template ID again overwrites the linkage.
func (r *SpeakerTemplateRepository) Save(ctx context.Context, template *entities.SpeakerTemplate) error {
	if template == nil {
		return errors.New("template cannot be nil")
	}
	if template.TemplateID == "" {
		return errors.New("template ID cannot be empty")
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now()
	}

	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"template_id": template.TemplateID},
		template,
		// upsert keeps re-enrollment idempotent
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save speaker template: %w", err)
	}
	return nil
}

// GetByPersonID implements repositories.SpeakerTemplateRepository
func (r *SpeakerTemplateRepository) GetByPersonID(ctx context.Context, personID string) (*entities.SpeakerTemplate, error) {
	if personID == "" {
		return nil, errors.New("person ID cannot be empty")
	}

	var template entities.SpeakerTemplate
	err := r.collection.FindOne(ctx, bson.M{"person_id": personID}).Decode(&template)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No linkage found, return nil without error
		}
		return nil, fmt.Errorf("failed to get speaker template for person %s: %w", personID, err)
	}

	return &template, nil
}

// DeleteExpired implements repositories.SpeakerTemplateRepository. Only
// temporal templates carry an expiry; permanent ones are never touched.
func (r *SpeakerTemplateRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"temporal":   true,
		"expires_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired speaker templates: %w", err)
	}
	return result.DeletedCount, nil
}
