package service

import (
	"context"

	"github.com/OpenNSW/formflow/internal/form/validation"
)

// FileStore is the part of object storage the form services use. Keys are
// grouped by the prefixes built with validation.FilePrefix.
type FileStore interface {
	validation.FileChecker
	URLsByPrefix(ctx context.Context, prefix string) ([]string, error)
	DeleteByPrefix(ctx context.Context, prefix string) error
}
