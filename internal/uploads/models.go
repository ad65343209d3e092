package uploads

import (
	"time"

	"github.com/google/uuid"
)

// SignedUploadRequest asks for an upload URL for one file field answer.
type SignedUploadRequest struct {
	FormID        uuid.UUID `json:"formId" binding:"required"`
	PageID        uuid.UUID `json:"pageId" binding:"required"`
	ParticipantID uuid.UUID `json:"participantId" binding:"required"`
	FieldID       string    `json:"fieldId" binding:"required,max=100"`
	FileType      string    `json:"fileType" binding:"required,max=255"`
	FileSize      int64     `json:"fileSize" binding:"required,gt=0"`
}

// SignedUpload is where the client sends the file body.
type SignedUpload struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}
