package uploads

import (
	"context"
	"io"
	"time"

	"github.com/OpenNSW/formflow/internal/uploads/drivers"
)

// StorageDriver defines how we interact with the binary storage
type StorageDriver interface {
	// Save writes the content under key
	Save(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get returns a ReadCloser to stream the file back and its content type
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the file. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// GenerateURL returns a URL the file can be downloaded from
	GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// PresignUpload returns a URL a client can PUT the file body to
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)

	// List returns the keys starting with prefix, in lexical order
	List(ctx context.Context, prefix string) (*ListResult, error)
}

// ListResult is the outcome of a prefix listing.
type ListResult = drivers.ListResult

// UploadVerifier is implemented by drivers that receive uploads through this
// server instead of the storage backend.
type UploadVerifier interface {
	VerifyUpload(key, token string) error
}
