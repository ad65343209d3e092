// Package store persists forms, pages, participants, answers and submissions.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadySubmitted is returned when a participant who may submit only
	// once tries to finalize again.
	ErrAlreadySubmitted = errors.New("form already submitted")
	// ErrPageAnswerMismatch is returned when a page answer id names an answer
	// of another participant or page.
	ErrPageAnswerMismatch = errors.New("page answer does not belong to this participant and page")
	// ErrHasSubmissions blocks destructive page edits once answers are final.
	ErrHasSubmissions = errors.New("form has submissions")
)

// Store is the gorm-backed persistence layer. A Store obtained inside
// Transaction is bound to that transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn in a database transaction, committing when fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// notFound maps gorm's missing-row error onto ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
