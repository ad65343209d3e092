package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/formflow/internal/form/model"
)

// UpsertPageAnswerInput carries one validated page submission.
type UpsertPageAnswerInput struct {
	// PageAnswerID names the answer being edited. When nil, or when no such
	// answer exists, a new answer is created.
	PageAnswerID    *uuid.UUID
	FormID          uuid.UUID
	PageID          uuid.UUID
	ReferencePageID uuid.UUID
	ParticipantID   uuid.UUID
	FieldAnswers    []model.FieldAnswer
}

// UpsertPageAnswer writes a page answer and its field answers in one
// transaction. Editing an existing answer updates it in place, keyed by field
// id, and counts one more attempt. Answers already linked to a submission are
// never modified.
func (s *Store) UpsertPageAnswer(ctx context.Context, in UpsertPageAnswerInput) (*model.PageAnswer, error) {
	var answerID uuid.UUID
	err := s.Transaction(ctx, func(tx *Store) error {
		db := tx.conn(ctx)

		var existing *model.PageAnswer
		if in.PageAnswerID != nil {
			var pa model.PageAnswer
			err := db.First(&pa, "id = ?", *in.PageAnswerID).Error
			switch {
			case err == nil:
				existing = &pa
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("failed to load page answer %s: %w", *in.PageAnswerID, err)
			}
		}

		if existing != nil {
			if existing.ParticipantID != in.ParticipantID || existing.PageID != in.PageID {
				return fmt.Errorf("page answer %s: %w", existing.ID, ErrPageAnswerMismatch)
			}
			// Answers that belong to a submission are frozen; a resubmission writes new ones.
			var linked int64
			if err := db.Table("submission_page_answers").Where("page_answer_id = ?", existing.ID).Count(&linked).Error; err != nil {
				return fmt.Errorf("failed to check submission links of %s: %w", existing.ID, err)
			}
			if linked > 0 {
				existing = nil
			}
		}

		if existing != nil {
			err := db.Model(&model.PageAnswer{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"updated_at": time.Now().UTC(),
				}).Error
			if err != nil {
				return fmt.Errorf("failed to update page answer %s: %w", existing.ID, err)
			}
			answerID = existing.ID
		} else {
			created := &model.PageAnswer{
				FormID:          in.FormID,
				PageID:          in.PageID,
				ReferencePageID: in.ReferencePageID,
				ParticipantID:   in.ParticipantID,
				Attempts:        1,
			}
			if err := db.Omit(clause.Associations).Create(created).Error; err != nil {
				return fmt.Errorf("failed to create page answer: %w", err)
			}
			answerID = created.ID
		}

		if len(in.FieldAnswers) == 0 {
			return nil
		}
		fields := make([]model.FieldAnswer, len(in.FieldAnswers))
		for i, fa := range in.FieldAnswers {
			fields[i] = model.FieldAnswer{
				PageAnswerID: answerID,
				FieldID:      fa.FieldID,
				Answer:       fa.Answer,
				Type:         fa.Type,
			}
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "page_answer_id"}, {Name: "field_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "type", "updated_at"}),
		}).Create(&fields).Error
		if err != nil {
			return fmt.Errorf("failed to save field answers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPageAnswer(ctx, answerID)
}

// GetPageAnswer loads a page answer with its field answers.
func (s *Store) GetPageAnswer(ctx context.Context, id uuid.UUID) (*model.PageAnswer, error) {
	var pa model.PageAnswer
	err := s.conn(ctx).
		Preload("FieldAnswers", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&pa, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to load page answer %s", id)
	}
	return &pa, nil
}

// CountPageAttempts sums the persisted writes of a participant's answers to one
// page since their last submission. Answers frozen into a submission no longer
// count.
func (s *Store) CountPageAttempts(ctx context.Context, pageID, participantID uuid.UUID) (int64, error) {
	db := s.conn(ctx)
	submitted := db.Table("submission_page_answers").Select("page_answer_id")

	var total int64
	err := db.
		Model(&model.PageAnswer{}).
		Select("COALESCE(SUM(attempts), 0)").
		Where("page_id = ? AND participant_id = ?", pageID, participantID).
		Where("id NOT IN (?)", submitted).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count page attempts: %w", err)
	}
	return total, nil
}

// LatestPageAnswer returns the participant's most recently written answer to
// a page, or ErrNotFound.
func (s *Store) LatestPageAnswer(ctx context.Context, pageID, participantID uuid.UUID) (*model.PageAnswer, error) {
	var pa model.PageAnswer
	err := s.conn(ctx).
		Preload("FieldAnswers").
		Where("page_id = ? AND participant_id = ?", pageID, participantID).
		Order("updated_at DESC").
		First(&pa).Error
	if err != nil {
		return nil, notFound(err, "failed to load answer to page %s", pageID)
	}
	return &pa, nil
}
