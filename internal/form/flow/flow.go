// Package flow resolves the page a participant moves to from the page they
// are leaving.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/OpenNSW/formflow/internal/form/model"
)

var (
	// ErrPageNotFound means the form has no page with the requested number.
	ErrPageNotFound = errors.New("page not found")
	// ErrNoPreviousPage is returned when moving back from the first page.
	ErrNoPreviousPage = errors.New("there is no previous page")
)

// PageFinder looks a page up by its number within a form.
// Implementations return ErrPageNotFound when no such page exists.
type PageFinder interface {
	FindPage(ctx context.Context, formID uuid.UUID, pageNumber int) (*model.Page, error)
}

// Resolver walks the linear page sequence of a form.
type Resolver struct {
	pages PageFinder
}

func NewResolver(pages PageFinder) *Resolver {
	return &Resolver{pages: pages}
}

// Next returns the page following currentPageNumber.
func (r *Resolver) Next(ctx context.Context, formID uuid.UUID, currentPageNumber int) (*model.Page, error) {
	next := currentPageNumber + 1
	if next < 1 {
		return nil, fmt.Errorf("page %d of form %s: %w", next, formID, ErrPageNotFound)
	}
	page, err := r.pages.FindPage(ctx, formID, next)
	if err != nil {
		return nil, fmt.Errorf("resolve page %d of form %s: %w", next, formID, err)
	}
	return page, nil
}

// Previous returns the page before currentPageNumber, the number of the page
// being left. It is Next from two pages back.
func (r *Resolver) Previous(ctx context.Context, formID uuid.UUID, currentPageNumber int) (*model.Page, error) {
	if currentPageNumber <= 1 {
		return nil, ErrNoPreviousPage
	}
	return r.Next(ctx, formID, currentPageNumber-2)
}

// IsTerminal reports whether page is the last page of its form. The page's
// form must be loaded.
func IsTerminal(page *model.Page) bool {
	return page.Form != nil && page.PageNumber == page.Form.PagesTotal
}

// CheckSequence verifies that pages, in any order, are numbered 1..len(pages)
// without gaps or duplicates.
func CheckSequence(pages []model.Page) error {
	seen := make([]bool, len(pages)+1)
	for _, p := range pages {
		if p.PageNumber < 1 || p.PageNumber > len(pages) {
			return fmt.Errorf("page %s has number %d outside 1..%d", p.ID, p.PageNumber, len(pages))
		}
		if seen[p.PageNumber] {
			return fmt.Errorf("page number %d is used more than once", p.PageNumber)
		}
		seen[p.PageNumber] = true
	}
	return nil
}
