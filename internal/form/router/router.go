package router

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/form/flow"
	"github.com/OpenNSW/formflow/internal/form/service"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/form/validation"
	"github.com/OpenNSW/formflow/internal/response"
)

var errUnknownOutcome = errors.New("submission ended without an outcome")

var reasonStatus = map[service.Reason]int{
	service.ReasonRateLimited:        http.StatusTooManyRequests,
	service.ReasonAlreadySubmitted:   http.StatusConflict,
	service.ReasonTooManyAttempts:    http.StatusTooManyRequests,
	service.ReasonNoPreviousPage:     http.StatusBadRequest,
	service.ReasonUnknownParticipant: http.StatusNotFound,
	service.ReasonFormUnavailable:    http.StatusNotFound,
	service.ReasonStalePage:          http.StatusConflict,
	service.ReasonInvalidRequest:     http.StatusBadRequest,
}

// FormRouter exposes the creator and participant APIs over gin.
type FormRouter struct {
	forms        *service.FormService
	participants *service.ParticipantService
	pipeline     *service.SubmissionPipeline
	logger       *zap.Logger
}

func NewFormRouter(forms *service.FormService, participants *service.ParticipantService, pipeline *service.SubmissionPipeline, logger *zap.Logger) *FormRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormRouter{forms: forms, participants: participants, pipeline: pipeline, logger: logger}
}

// RegisterRoutes mounts the public routes on api and the creator routes on
// api/creator behind requireCreator.
func (fr *FormRouter) RegisterRoutes(api *gin.RouterGroup, requireCreator gin.HandlerFunc) {
	api.POST("/forms/:formId/participants", fr.HandleEnter)
	api.GET("/forms/:formId/pages/:pageNumber", fr.HandleViewPage)
	api.POST("/forms/:formId/pages/:pageNumber", fr.HandleSubmitPage)
	api.GET("/submissions/:submissionId/thank-you", fr.HandleThankYou)

	creator := api.Group("/creator", requireCreator)
	creator.POST("/forms", fr.HandleCreateForm)
	creator.GET("/forms", fr.HandleListForms)
	creator.GET("/forms/:formId", fr.HandleGetForm)
	creator.PATCH("/forms/:formId", fr.HandleUpdateForm)
	creator.DELETE("/forms/:formId", fr.HandleDeleteForm)
	creator.POST("/forms/:formId/duplicate", fr.HandleDuplicateForm)
	creator.POST("/forms/:formId/publish", fr.HandleTogglePublish)
	creator.POST("/forms/:formId/resubmissions", fr.HandleToggleResubmissions)
	creator.PUT("/forms/:formId/theme", fr.HandleUpdateTheme)
	creator.PUT("/forms/:formId/final-page", fr.HandleUpdateFinalPage)
	creator.GET("/forms/:formId/stats", fr.HandleStats)

	creator.POST("/forms/:formId/pages", fr.HandleAddPage)
	creator.PATCH("/forms/:formId/pages/:pageId", fr.HandleUpdatePage)
	creator.DELETE("/forms/:formId/pages/:pageId", fr.HandleDeletePage)
	creator.GET("/forms/:formId/pages/:pageNumber/preview", fr.HandlePreviewPage)

	creator.GET("/forms/:formId/submissions", fr.HandleListSubmissions)
	creator.GET("/forms/:formId/submissions/:submissionId", fr.HandleGetSubmission)
}

// uuidParam reads a UUID path parameter, answering 400 when it is malformed.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "Invalid "+name+".")
		return uuid.Nil, false
	}
	return id, true
}

func pageNumberParam(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil || n < 1 {
		response.BadRequest(c, "Invalid "+name+".")
		return 0, false
	}
	return n, true
}

func fieldErrors(errs []validation.FieldError) []response.FieldError {
	out := make([]response.FieldError, 0, len(errs))
	for _, fe := range errs {
		out = append(out, response.FieldError{ID: fe.ID, Message: fe.Message})
	}
	return out
}

// writeRejection answers a user-facing refusal. It reports false when err is
// not one.
func writeRejection(c *gin.Context, err error) bool {
	if rej, ok := service.IsRejection(err); ok {
		status, known := reasonStatus[rej.Reason]
		if !known {
			status = http.StatusBadRequest
		}
		if rej.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rej.RetryAfter.Seconds()))))
		}
		response.Error(c, status, rej.Message)
		return true
	}

	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		response.Error(c, http.StatusUnprocessableEntity, "Please correct the highlighted fields.", fieldErrors(verr.Errors)...)
		return true
	}
	return false
}

// writeError maps service errors to responses. Unknown errors are logged with
// the request's identifiers and answered with a generic 500.
func (fr *FormRouter) writeError(c *gin.Context, err error) {
	if writeRejection(c, err) {
		return
	}

	var inErr *service.InputError
	switch {
	case errors.As(err, &inErr):
		response.Error(c, http.StatusBadRequest, inErr.Message, fieldErrors(inErr.Errors)...)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, flow.ErrPageNotFound):
		response.NotFound(c, "Not found.")
	case errors.Is(err, store.ErrHasSubmissions):
		response.Error(c, http.StatusConflict, "This form already has submissions.")
	default:
		fr.internalError(c, err)
	}
}

func (fr *FormRouter) internalError(c *gin.Context, err error) {
	fr.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("formId", c.Param("formId")),
		zap.String("pageId", firstNonEmpty(c.Param("pageId"), c.PostForm("pageId"))),
		zap.String("participantId", firstNonEmpty(c.Query("participantId"), c.PostForm("participantId"))),
		zap.Error(err),
	)
	response.InternalError(c, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
