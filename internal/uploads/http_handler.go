package uploads

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/response"
)

type HTTPHandler struct {
	Service *UploadService
	logger  *zap.Logger
}

func NewHTTPHandler(service *UploadService, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{Service: service, logger: logger}
}

// RegisterRoutes mounts the file routes under rg.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/files/upload/signed", h.SignedUpload)
	rg.PUT("/files/local/*key", h.UploadLocal)
	rg.GET("/files/*key", h.Download)
}

func (h *HTTPHandler) SignedUpload(c *gin.Context) {
	var req SignedUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid upload request.")
		return
	}

	upload, err := h.Service.SignedUpload(c.Request.Context(), req)
	switch {
	case err == nil:
		response.OK(c, upload)
	case errors.Is(err, ErrFileTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
	case errors.Is(err, ErrUnknownParticipant):
		response.NotFound(c, "Participant not found.")
	case errors.Is(err, ErrUnknownPage):
		response.NotFound(c, "Page not found.")
	case errors.Is(err, ErrNotAFileField):
		response.BadRequest(c, "This field does not accept files.")
	case errors.Is(err, ErrParticipantCompleted):
		response.Error(c, http.StatusConflict, "You have already submitted this form.")
	default:
		h.logger.Error("failed to issue upload url",
			zap.String("formId", req.FormID.String()),
			zap.String("participantId", req.ParticipantID.String()),
			zap.Error(err),
		)
		response.InternalError(c, err)
	}
}

// UploadLocal receives a file body PUT to a URL signed by the local driver.
func (h *HTTPHandler) UploadLocal(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if h.Service.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Service.maxFileSize)
	}

	err := h.Service.Receive(c.Request.Context(), key, c.Query("token"), c.Request.Body, c.ContentType())
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		response.OK(c, gin.H{"key": key})
	case errors.Is(err, ErrDirectUploadForbidden):
		response.NotFound(c, "Not found.")
	case errors.Is(err, ErrInvalidUploadToken):
		response.Error(c, http.StatusForbidden, "Upload link is invalid or has expired.")
	case errors.As(err, &tooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
	default:
		h.logger.Error("upload failed", zap.String("key", key), zap.Error(err))
		response.InternalError(c, err)
	}
}

func (h *HTTPHandler) Download(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		response.BadRequest(c, "File key is required.")
		return
	}

	reader, contentType, err := h.Service.Download(c.Request.Context(), key)
	if err != nil {
		response.NotFound(c, "File not found.")
		return
	}
	defer reader.Close()

	c.DataFromReader(http.StatusOK, -1, contentType, reader, nil)
}

func (h *HTTPHandler) tooLargeMessage() string {
	return fmt.Sprintf("File must be at most %d MB.", h.Service.maxFileSize/(1024*1024))
}
