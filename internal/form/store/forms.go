package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/form/model"
)

// FormFilter selects one page of a creator's forms.
type FormFilter struct {
	CreatorID string
	Search    string
	Offset    int
	Limit     int
}

func (s *Store) CreateForm(ctx context.Context, form *model.Form) error {
	if err := s.conn(ctx).Create(form).Error; err != nil {
		return fmt.Errorf("failed to create form: %w", err)
	}
	return nil
}

// GetForm loads a form with its pages in page order.
func (s *Store) GetForm(ctx context.Context, id uuid.UUID) (*model.Form, error) {
	var form model.Form
	err := s.conn(ctx).
		Preload("Pages", func(db *gorm.DB) *gorm.DB { return db.Order("page_number ASC") }).
		First(&form, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to load form %s", id)
	}
	return &form, nil
}

// GetCreatorForm loads a form owned by creatorID. Forms of other creators are
// reported as not found.
func (s *Store) GetCreatorForm(ctx context.Context, id uuid.UUID, creatorID string) (*model.Form, error) {
	var form model.Form
	err := s.conn(ctx).
		Preload("Pages", func(db *gorm.DB) *gorm.DB { return db.Order("page_number ASC") }).
		Where("creator_id = ?", creatorID).
		First(&form, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to load form %s", id)
	}
	return &form, nil
}

// ListForms returns a creator's forms, newest first, and the total match count.
func (s *Store) ListForms(ctx context.Context, f FormFilter) ([]model.Form, int64, error) {
	query := s.conn(ctx).Model(&model.Form{}).Where("creator_id = ?", f.CreatorID)
	if search := strings.TrimSpace(f.Search); search != "" {
		query = query.Where("LOWER(title) LIKE ?", "%"+strings.ToLower(search)+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count forms: %w", err)
	}

	var forms []model.Form
	if err := query.Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&forms).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list forms: %w", err)
	}
	return forms, total, nil
}

// UpdateForm applies column updates to a form.
func (s *Store) UpdateForm(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	result := s.conn(ctx).Model(&model.Form{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update form %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to update form %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteForm removes a form and everything collected for it.
func (s *Store) DeleteForm(ctx context.Context, id uuid.UUID) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.db
		submissionIDs := db.Model(&model.FormSubmission{}).Select("id").Where("form_id = ?", id)
		answerIDs := db.Model(&model.PageAnswer{}).Select("id").Where("form_id = ?", id)

		steps := []struct {
			name string
			run  func() error
		}{
			{"submission links", func() error {
				return db.Exec("DELETE FROM submission_page_answers WHERE form_submission_id IN (?)", submissionIDs).Error
			}},
			{"submissions", func() error { return db.Where("form_id = ?", id).Delete(&model.FormSubmission{}).Error }},
			{"field answers", func() error { return db.Where("page_answer_id IN (?)", answerIDs).Delete(&model.FieldAnswer{}).Error }},
			{"page answers", func() error { return db.Where("form_id = ?", id).Delete(&model.PageAnswer{}).Error }},
			{"participants", func() error { return db.Where("form_id = ?", id).Delete(&model.Participant{}).Error }},
			{"pages", func() error { return db.Where("form_id = ?", id).Delete(&model.Page{}).Error }},
		}
		for _, step := range steps {
			if err := step.run(); err != nil {
				return fmt.Errorf("failed to delete %s of form %s: %w", step.name, id, err)
			}
		}

		result := db.Delete(&model.Form{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete form %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("failed to delete form %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DuplicateForm copies a form and its pages as a new unpublished draft.
func (s *Store) DuplicateForm(ctx context.Context, src *model.Form, title string) (*model.Form, error) {
	copied := &model.Form{
		CreatorID:         src.CreatorID,
		Title:             title,
		Description:       src.Description,
		Theme:             src.Theme,
		AllowResubmission: src.AllowResubmission,
		PagesTotal:        len(src.Pages),
		FinalTitle:        src.FinalTitle,
		FinalDescription:  src.FinalDescription,
	}
	for _, p := range src.Pages {
		copied.Pages = append(copied.Pages, model.Page{
			PageNumber: p.PageNumber,
			Title:      p.Title,
			PageFields: p.PageFields,
		})
	}

	if err := s.conn(ctx).Create(copied).Error; err != nil {
		return nil, fmt.Errorf("failed to duplicate form %s: %w", src.ID, err)
	}
	return copied, nil
}
