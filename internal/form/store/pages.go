package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/formflow/internal/form/flow"
	"github.com/OpenNSW/formflow/internal/form/model"
)

// FindPage loads page pageNumber of a form together with its form.
// A missing page is reported as flow.ErrPageNotFound.
func (s *Store) FindPage(ctx context.Context, formID uuid.UUID, pageNumber int) (*model.Page, error) {
	var page model.Page
	err := s.conn(ctx).
		Preload("Form").
		Where("form_id = ? AND page_number = ?", formID, pageNumber).
		First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("page %d of form %s: %w", pageNumber, formID, flow.ErrPageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page %d of form %s: %w", pageNumber, formID, err)
	}
	return &page, nil
}

// GetPage loads a page by id within a form.
func (s *Store) GetPage(ctx context.Context, formID, pageID uuid.UUID) (*model.Page, error) {
	var page model.Page
	err := s.conn(ctx).Preload("Form").Where("form_id = ?", formID).First(&page, "id = ?", pageID).Error
	if err != nil {
		return nil, notFound(err, "failed to load page %s", pageID)
	}
	return &page, nil
}

func (s *Store) ListPages(ctx context.Context, formID uuid.UUID) ([]model.Page, error) {
	var pages []model.Page
	if err := s.conn(ctx).Where("form_id = ?", formID).Order("page_number ASC").Find(&pages).Error; err != nil {
		return nil, fmt.Errorf("failed to list pages of form %s: %w", formID, err)
	}
	return pages, nil
}

// lockForm takes a row lock on the form for the rest of the transaction.
func (s *Store) lockForm(ctx context.Context, formID uuid.UUID) (*model.Form, error) {
	var form model.Form
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&form, "id = ?", formID).Error
	if err != nil {
		return nil, notFound(err, "failed to lock form %s", formID)
	}
	return &form, nil
}

func (s *Store) syncPagesTotal(ctx context.Context, formID uuid.UUID) (int, error) {
	var count int64
	if err := s.conn(ctx).Model(&model.Page{}).Where("form_id = ?", formID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count pages of form %s: %w", formID, err)
	}
	if err := s.conn(ctx).Model(&model.Form{}).Where("id = ?", formID).Update("pages_total", count).Error; err != nil {
		return 0, fmt.Errorf("failed to update page total of form %s: %w", formID, err)
	}
	return int(count), nil
}

// AddPage appends an empty page to a form.
func (s *Store) AddPage(ctx context.Context, formID uuid.UUID) (*model.Page, error) {
	var page *model.Page
	err := s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.lockForm(ctx, formID); err != nil {
			return err
		}

		var count int64
		if err := tx.conn(ctx).Model(&model.Page{}).Where("form_id = ?", formID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count pages of form %s: %w", formID, err)
		}

		page = &model.Page{
			FormID:     formID,
			PageNumber: int(count) + 1,
			Title:      fmt.Sprintf("Page %d", count+1),
		}
		if err := tx.conn(ctx).Create(page).Error; err != nil {
			return fmt.Errorf("failed to create page: %w", err)
		}

		_, err := tx.syncPagesTotal(ctx, formID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UpdatePage applies column updates to a page and returns the updated page.
func (s *Store) UpdatePage(ctx context.Context, formID, pageID uuid.UUID, updates map[string]any) (*model.Page, error) {
	result := s.conn(ctx).Model(&model.Page{}).Where("id = ? AND form_id = ?", pageID, formID).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update page %s: %w", pageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("failed to update page %s: %w", pageID, ErrNotFound)
	}
	return s.GetPage(ctx, formID, pageID)
}

// DeletePage removes a page and its answers, then closes the gap in the page
// numbering. Pages of forms with submissions cannot be deleted.
func (s *Store) DeletePage(ctx context.Context, formID, pageID uuid.UUID) (*model.Page, error) {
	var deleted model.Page
	err := s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.lockForm(ctx, formID); err != nil {
			return err
		}
		db := tx.conn(ctx)

		if err := db.Where("form_id = ?", formID).First(&deleted, "id = ?", pageID).Error; err != nil {
			return notFound(err, "failed to load page %s", pageID)
		}

		var submissions int64
		if err := db.Model(&model.FormSubmission{}).Where("form_id = ?", formID).Count(&submissions).Error; err != nil {
			return fmt.Errorf("failed to count submissions of form %s: %w", formID, err)
		}
		if submissions > 0 {
			return fmt.Errorf("cannot delete page %s: %w", pageID, ErrHasSubmissions)
		}

		answerIDs := db.Model(&model.PageAnswer{}).Select("id").Where("page_id = ?", pageID)
		if err := db.Where("page_answer_id IN (?)", answerIDs).Delete(&model.FieldAnswer{}).Error; err != nil {
			return fmt.Errorf("failed to delete field answers of page %s: %w", pageID, err)
		}
		if err := db.Where("page_id = ?", pageID).Delete(&model.PageAnswer{}).Error; err != nil {
			return fmt.Errorf("failed to delete answers of page %s: %w", pageID, err)
		}
		if err := db.Delete(&model.Page{}, "id = ?", pageID).Error; err != nil {
			return fmt.Errorf("failed to delete page %s: %w", pageID, err)
		}

		// Shift later pages down through negative numbers so the unique
		// (form_id, page_number) index holds after every statement.
		if err := db.Model(&model.Page{}).
			Where("form_id = ? AND page_number > ?", formID, deleted.PageNumber).
			Update("page_number", gorm.Expr("-(page_number - 1)")).Error; err != nil {
			return fmt.Errorf("failed to renumber pages of form %s: %w", formID, err)
		}
		if err := db.Model(&model.Page{}).
			Where("form_id = ? AND page_number < 0", formID).
			Update("page_number", gorm.Expr("-page_number")).Error; err != nil {
			return fmt.Errorf("failed to renumber pages of form %s: %w", formID, err)
		}

		_, err := tx.syncPagesTotal(ctx, formID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}
