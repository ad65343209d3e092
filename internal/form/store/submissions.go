package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/form/model"
)

// FindSubmission returns the latest submission of a participant to a form, or ErrNotFound.
func (s *Store) FindSubmission(ctx context.Context, formID, participantID uuid.UUID) (*model.FormSubmission, error) {
	var sub model.FormSubmission
	err := s.conn(ctx).
		Where("form_id = ? AND participant_id = ?", formID, participantID).
		Order("sequence DESC").
		First(&sub).Error
	if err != nil {
		return nil, notFound(err, "failed to load submission")
	}
	return &sub, nil
}

// Finalize records the participant's submission of a form, linking their
// latest answer to every page, and marks the participant complete. Without resubmission
// a second call fails with ErrAlreadySubmitted; the unique
// (form_id, participant_id, sequence) index enforces this under concurrency too.
func (s *Store) Finalize(ctx context.Context, formID, participantID uuid.UUID, allowResubmission bool) (*model.FormSubmission, error) {
	var sub *model.FormSubmission
	err := s.Transaction(ctx, func(tx *Store) error {
		db := tx.conn(ctx)

		var previous int64
		if err := db.Model(&model.FormSubmission{}).
			Where("form_id = ? AND participant_id = ?", formID, participantID).
			Count(&previous).Error; err != nil {
			return fmt.Errorf("failed to count submissions: %w", err)
		}
		if previous > 0 && !allowResubmission {
			return ErrAlreadySubmitted
		}

		answers, err := tx.liveAnswers(ctx, formID, participantID)
		if err != nil {
			return err
		}

		sub = &model.FormSubmission{
			FormID:        formID,
			ParticipantID: participantID,
			Sequence:      int(previous) + 1,
			PageAnswers:   answers,
		}
		// Link the existing answers without writing them again.
		err = db.Omit("PageAnswers.*").Create(sub).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadySubmitted
		}
		if err != nil {
			return fmt.Errorf("failed to create submission: %w", err)
		}

		if err := db.Model(&model.Participant{}).
			Where("id = ? AND completed_at IS NULL", participantID).
			Update("completed_at", time.Now().UTC()).Error; err != nil {
			return fmt.Errorf("failed to complete participant %s: %w", participantID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubmission loads a submission of a form with its participant and answers.
func (s *Store) GetSubmission(ctx context.Context, formID, submissionID uuid.UUID) (*model.FormSubmission, error) {
	var sub model.FormSubmission
	err := s.conn(ctx).
		Preload("Participant").
		Preload("PageAnswers.Page").
		Preload("PageAnswers.FieldAnswers").
		Where("form_id = ?", formID).
		First(&sub, "id = ?", submissionID).Error
	if err != nil {
		return nil, notFound(err, "failed to load submission %s", submissionID)
	}
	return &sub, nil
}

// GetSubmissionByID loads a submission without its answers.
func (s *Store) GetSubmissionByID(ctx context.Context, submissionID uuid.UUID) (*model.FormSubmission, error) {
	var sub model.FormSubmission
	if err := s.conn(ctx).First(&sub, "id = ?", submissionID).Error; err != nil {
		return nil, notFound(err, "failed to load submission %s", submissionID)
	}
	return &sub, nil
}

// ListSubmissions returns a page of a form's submissions, newest first, and the total count.
func (s *Store) ListSubmissions(ctx context.Context, formID uuid.UUID, offset, limit int) ([]model.FormSubmission, int64, error) {
	total, err := s.CountSubmissions(ctx, formID)
	if err != nil {
		return nil, 0, err
	}

	var subs []model.FormSubmission
	err = s.conn(ctx).
		Preload("Participant").
		Where("form_id = ?", formID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list submissions of form %s: %w", formID, err)
	}
	return subs, total, nil
}

func (s *Store) CountSubmissions(ctx context.Context, formID uuid.UUID) (int64, error) {
	var count int64
	if err := s.conn(ctx).Model(&model.FormSubmission{}).Where("form_id = ?", formID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count submissions of form %s: %w", formID, err)
	}
	return count, nil
}

// liveAnswers returns the most recently written answer of the participant to
// each page of the form.
func (s *Store) liveAnswers(ctx context.Context, formID, participantID uuid.UUID) ([]model.PageAnswer, error) {
	var all []model.PageAnswer
	err := s.conn(ctx).
		Where("form_id = ? AND participant_id = ?", formID, participantID).
		Order("updated_at DESC").
		Find(&all).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load page answers: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(all))
	live := make([]model.PageAnswer, 0, len(all))
	for _, pa := range all {
		if seen[pa.PageID] {
			continue
		}
		seen[pa.PageID] = true
		live = append(live, pa)
	}
	return live, nil
}
