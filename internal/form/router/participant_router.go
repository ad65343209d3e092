package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/formflow/internal/form/service"
	"github.com/OpenNSW/formflow/internal/response"
)

// maxFormMemory caps the part of a multipart submission held in memory.
const maxFormMemory = 1 << 20

type enterRequest struct {
	Email string `json:"email" form:"email"`
}

// HandleEnter handles POST /api/forms/:formId/participants
// JSON clients get the entry result; form posts are redirected to the page
// the participant resumes on.
func (fr *FormRouter) HandleEnter(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	var req enterRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body.")
		return
	}

	entry, err := fr.participants.Enter(c.Request.Context(), formID, req.Email)
	if err != nil {
		fr.writeError(c, err)
		return
	}

	if c.ContentType() != gin.MIMEJSON {
		response.Redirect(c, entry.Location)
		return
	}
	if entry.Created {
		response.Created(c, entry)
		return
	}
	response.OK(c, entry)
}

// HandleViewPage handles GET /api/forms/:formId/pages/:pageNumber?participantId=
func (fr *FormRouter) HandleViewPage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	pageNumber, ok := pageNumberParam(c, "pageNumber")
	if !ok {
		return
	}
	participantID, err := uuid.Parse(c.Query("participantId"))
	if err != nil {
		response.BadRequest(c, "Invalid participantId.")
		return
	}

	view, err := fr.participants.ViewPage(c.Request.Context(), formID, pageNumber, participantID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, view)
}

// HandleSubmitPage handles the form-encoded POST /api/forms/:formId/pages/:pageNumber
// Body: participantId, pageId, intent (next|prev), pageAnswerId and one value
// per field id. Answers with a 303 redirect, or an error body.
func (fr *FormRouter) HandleSubmitPage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	pageNumber, ok := pageNumberParam(c, "pageNumber")
	if !ok {
		return
	}
	// Browsers post either encoding; ParseMultipartForm parses url-encoded
	// bodies too and then reports ErrNotMultipart.
	if err := c.Request.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		response.BadRequest(c, "Invalid form body.")
		return
	}

	req, msg := submitRequest(formID, pageNumber, c.Request.PostForm)
	if msg != "" {
		response.BadRequest(c, msg)
		return
	}

	outcome, err := fr.pipeline.Submit(c.Request.Context(), req)
	if err != nil {
		if !writeRejection(c, err) {
			fr.internalError(c, err)
		}
		return
	}

	switch outcome.Kind {
	case service.OutcomeRedirect:
		response.Redirect(c, outcome.Location)
	case service.OutcomeInvalid:
		response.Error(c, http.StatusUnprocessableEntity, "Please correct the highlighted fields.", fieldErrors(outcome.Errors)...)
	default:
		fr.internalError(c, errUnknownOutcome)
	}
}

// submitRequest builds the pipeline input from a posted form. It returns a
// message when an identifier is malformed.
func submitRequest(formID uuid.UUID, pageNumber int, values map[string][]string) (service.SubmitPageRequest, string) {
	first := func(key string) string {
		if v := values[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	req := service.SubmitPageRequest{
		FormID:     formID,
		PageNumber: pageNumber,
		Intent:     service.ParseIntent(first("intent")),
		Fields:     make(map[string]string, len(values)),
	}
	for key, v := range values {
		if len(v) > 0 {
			req.Fields[key] = v[0]
		}
	}

	if raw := first("formId"); raw != "" && raw != formID.String() {
		return req, "formId does not match the submitted form."
	}

	participantID, err := uuid.Parse(first("participantId"))
	if err != nil {
		return req, "Invalid participantId."
	}
	req.ParticipantID = participantID

	if raw := first("pageId"); raw != "" {
		pageID, err := uuid.Parse(raw)
		if err != nil {
			return req, "Invalid pageId."
		}
		req.PageID = pageID
	}

	if raw := first("pageAnswerId"); raw != "" && raw != "null" {
		answerID, err := uuid.Parse(raw)
		if err != nil {
			return req, "Invalid pageAnswerId."
		}
		req.PageAnswerID = &answerID
	}
	return req, ""
}

// HandleThankYou handles GET /api/submissions/:submissionId/thank-you
func (fr *FormRouter) HandleThankYou(c *gin.Context) {
	submissionID, ok := uuidParam(c, "submissionId")
	if !ok {
		return
	}
	ty, err := fr.participants.ThankYou(c.Request.Context(), submissionID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, ty)
}
