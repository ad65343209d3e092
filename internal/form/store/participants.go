package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/form/model"
)

// FindOrCreateParticipant returns the participant of a form with the given
// email, creating it on first entry. created reports whether it is new.
func (s *Store) FindOrCreateParticipant(ctx context.Context, formID uuid.UUID, email string) (participant *model.Participant, created bool, err error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var existing model.Participant
	err = s.conn(ctx).Where("form_id = ? AND email = ?", formID, email).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up participant: %w", err)
	}

	participant = &model.Participant{FormID: formID, Email: email}
	err = s.conn(ctx).Create(participant).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with a concurrent entry for the same email.
		if err := s.conn(ctx).Where("form_id = ? AND email = ?", formID, email).First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to look up participant: %w", err)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create participant: %w", err)
	}
	return participant, true, nil
}

func (s *Store) GetParticipant(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	var participant model.Participant
	if err := s.conn(ctx).First(&participant, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to load participant %s", id)
	}
	return &participant, nil
}

func (s *Store) CountParticipants(ctx context.Context, formID uuid.UUID) (int64, error) {
	var count int64
	if err := s.conn(ctx).Model(&model.Participant{}).Where("form_id = ?", formID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count participants of form %s: %w", formID, err)
	}
	return count, nil
}

// LastAnsweredPage returns the highest page number the participant has
// answered, or 0 when nothing was answered yet.
func (s *Store) LastAnsweredPage(ctx context.Context, formID, participantID uuid.UUID) (int, error) {
	var last int
	err := s.conn(ctx).
		Model(&model.PageAnswer{}).
		Select("COALESCE(MAX(pages.page_number), 0)").
		Joins("JOIN pages ON pages.id = page_answers.page_id").
		Where("page_answers.form_id = ? AND page_answers.participant_id = ?", formID, participantID).
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find last answered page: %w", err)
	}
	return last, nil
}
