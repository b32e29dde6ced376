package vpr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/repositories"
)

// TemplateCleanupService removes expired temporal voiceprint linkages in the
// background. Temporal templates carry an expiry; once it passes the person
// must re-enroll.
type TemplateCleanupService struct {
	templates repositories.SpeakerTemplateRepository
	interval  time.Duration
	logger    *zap.Logger
	stopChan  chan struct{}
}

// NewTemplateCleanupService creates a cleanup service over the template store
func NewTemplateCleanupService(templates repositories.SpeakerTemplateRepository, interval time.Duration, logger *zap.Logger) *TemplateCleanupService {
	if interval == 0 {
		interval = 30 * time.Minute
	}
	return &TemplateCleanupService{
		templates: templates,
		interval:  interval,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *TemplateCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Speaker template cleanup service started")
}

// Stop gracefully stops the cleanup service
func (s *TemplateCleanupService) Stop() {
	close(s.stopChan)
	s.logger.Info("Speaker template cleanup service stopped")
}

func (s *TemplateCleanupService) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial cleanup after 1 minute
	initialTimer := time.NewTimer(1 * time.Minute)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runCleanup()
			// Initial timer only runs once
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *TemplateCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.templates.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("Failed to delete expired speaker templates", zap.Error(err))
		return
	}

	if removed > 0 {
		s.logger.Info("Expired speaker templates removed", zap.Int64("count", removed))
	}
}
