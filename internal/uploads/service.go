package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/schema"
	"github.com/OpenNSW/formflow/internal/form/validation"
)

var (
	ErrFileTooLarge          = errors.New("file is too large")
	ErrUnknownParticipant    = errors.New("participant not found")
	ErrUnknownPage           = errors.New("page not found")
	ErrNotAFileField         = errors.New("field does not accept files")
	ErrParticipantCompleted  = errors.New("participant has already submitted")
	ErrInvalidUploadToken    = errors.New("upload token is invalid or expired")
	ErrDirectUploadForbidden = errors.New("storage does not accept uploads through the server")
)

// Scope resolves who is uploading and for which page.
type Scope interface {
	Participant(ctx context.Context, id uuid.UUID) (*model.Participant, error)
	Page(ctx context.Context, formID, pageID uuid.UUID) (*model.Page, error)
}

// UploadService hands out upload URLs for file fields and answers prefix
// queries over the stored files.
type UploadService struct {
	Driver      StorageDriver
	scope       Scope
	maxFileSize int64
	urlTTL      time.Duration
	logger      *zap.Logger
}

func NewUploadService(driver StorageDriver, scope Scope, maxFileSize int64, urlTTL time.Duration, logger *zap.Logger) *UploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadService{Driver: driver, scope: scope, maxFileSize: maxFileSize, urlTTL: urlTTL, logger: logger}
}

// SignedUpload issues an upload URL for a participant's file field. The key
// is the field's file prefix followed by the current unix milliseconds.
func (s *UploadService) SignedUpload(ctx context.Context, req SignedUploadRequest) (*SignedUpload, error) {
	if s.maxFileSize > 0 && req.FileSize > s.maxFileSize {
		return nil, ErrFileTooLarge
	}

	participant, err := s.scope.Participant(ctx, req.ParticipantID)
	if err != nil {
		return nil, errors.Join(ErrUnknownParticipant, err)
	}
	if participant.FormID != req.FormID {
		return nil, ErrUnknownParticipant
	}
	page, err := s.scope.Page(ctx, req.FormID, req.PageID)
	if err != nil {
		return nil, errors.Join(ErrUnknownPage, err)
	}
	if participant.CompletedAt != nil && (page.Form == nil || !page.Form.AllowResubmission) {
		return nil, ErrParticipantCompleted
	}
	sch, err := schema.Parse(page.PageFields)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", page.ID, err)
	}
	if block, ok := sch.Find(req.FieldID); !ok || block.Type != schema.FileField {
		return nil, ErrNotAFileField
	}

	prefix := validation.FilePrefix(req.FormID.String(), req.PageID.String(), req.ParticipantID.String(), req.FieldID)
	key := prefix + strconv.FormatInt(time.Now().UnixMilli(), 10)

	url, err := s.Driver.PresignUpload(ctx, key, req.FileType, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	s.logger.Info("upload url issued",
		zap.String("key", key),
		zap.String("participantId", req.ParticipantID.String()),
		zap.Int64("size", req.FileSize),
	)
	return &SignedUpload{URL: url, Key: key, ExpiresAt: time.Now().Add(s.urlTTL).UTC()}, nil
}

// Receive stores a body sent to a URL issued by SignedUpload. Only drivers
// that upload through the server accept it.
func (s *UploadService) Receive(ctx context.Context, key, token string, body io.Reader, contentType string) error {
	verifier, ok := s.Driver.(UploadVerifier)
	if !ok {
		return ErrDirectUploadForbidden
	}
	if err := verifier.VerifyUpload(key, token); err != nil {
		return errors.Join(ErrInvalidUploadToken, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.Driver.Save(ctx, key, body, contentType); err != nil {
		return fmt.Errorf("storage driver failed: %w", err)
	}
	s.logger.Info("file uploaded", zap.String("key", key))
	return nil
}

// Download retrieves the file content and its MIME type
func (s *UploadService) Download(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return s.Driver.Get(ctx, key)
}

// uploadKeys lists the keys issued by SignedUpload for a field prefix: the
// prefix followed by a millisecond timestamp only. Keys of another field whose
// id merely starts with the same text do not match.
func (s *UploadService) uploadKeys(ctx context.Context, prefix string) ([]string, error) {
	res, err := s.Driver.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(res.Items))
	for _, key := range res.Items {
		if isTimestamp(strings.TrimPrefix(key, prefix)) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func isTimestamp(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// HasFiles reports whether an upload is stored under the field prefix.
func (s *UploadService) HasFiles(ctx context.Context, prefix string) (bool, error) {
	keys, err := s.uploadKeys(ctx, prefix)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// URLsByPrefix returns a download URL for every upload under the field prefix.
func (s *UploadService) URLsByPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.uploadKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		url, err := s.Driver.GenerateURL(ctx, key, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to generate URL for %s: %w", key, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// DeleteByPrefix removes every file under prefix. It keeps going past
// individual failures and reports them together.
func (s *UploadService) DeleteByPrefix(ctx context.Context, prefix string) error {
	res, err := s.Driver.List(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range res.Items {
		if err := s.Driver.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("files deleted", zap.String("prefix", prefix), zap.Int("count", res.KeyCount))
	return nil
}
