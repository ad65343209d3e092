package router

import (
	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/formflow/internal/auth"
	"github.com/OpenNSW/formflow/internal/form/service"
	"github.com/OpenNSW/formflow/internal/response"
)

type paginationQuery struct {
	Page *int `form:"page"`
	Take *int `form:"take"`
}

// bindJSON decodes the request body into req, answering 400 when it is not
// valid JSON.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.BadRequest(c, "Invalid request body.")
		return false
	}
	return true
}

// HandleCreateForm handles POST /api/creator/forms
func (fr *FormRouter) HandleCreateForm(c *gin.Context) {
	var req service.CreateFormRequest
	if !bindJSON(c, &req) {
		return
	}
	form, err := fr.forms.CreateForm(c.Request.Context(), auth.CreatorID(c), req)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.Created(c, form)
}

// HandleListForms handles GET /api/creator/forms?page=&take=&search=
func (fr *FormRouter) HandleListForms(c *gin.Context) {
	var q service.ListFormsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "Invalid query parameters.")
		return
	}
	forms, info, err := fr.forms.ListForms(c.Request.Context(), auth.CreatorID(c), q)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.Paged(c, forms, info)
}

func (fr *FormRouter) HandleGetForm(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	form, err := fr.forms.GetForm(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleUpdateForm(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	var req service.UpdateFormRequest
	if !bindJSON(c, &req) {
		return
	}
	form, err := fr.forms.UpdateForm(c.Request.Context(), auth.CreatorID(c), formID, req)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleDeleteForm(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	if err := fr.forms.DeleteForm(c.Request.Context(), auth.CreatorID(c), formID); err != nil {
		fr.writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (fr *FormRouter) HandleDuplicateForm(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	form, err := fr.forms.DuplicateForm(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.Created(c, form)
}

// HandleTogglePublish handles POST /api/creator/forms/:formId/publish
// Publishes a draft that passes the publish checks, or withdraws a published form.
func (fr *FormRouter) HandleTogglePublish(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	form, err := fr.forms.TogglePublish(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleToggleResubmissions(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	form, err := fr.forms.ToggleResubmissions(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleUpdateTheme(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	var req service.UpdateThemeRequest
	if !bindJSON(c, &req) {
		return
	}
	form, err := fr.forms.UpdateTheme(c.Request.Context(), auth.CreatorID(c), formID, req)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleUpdateFinalPage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	var req service.UpdateFinalPageRequest
	if !bindJSON(c, &req) {
		return
	}
	form, err := fr.forms.UpdateFinalPage(c.Request.Context(), auth.CreatorID(c), formID, req)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, form)
}

func (fr *FormRouter) HandleStats(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	stats, err := fr.forms.Stats(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, stats)
}

func (fr *FormRouter) HandleAddPage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	page, err := fr.forms.AddPage(c.Request.Context(), auth.CreatorID(c), formID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.Created(c, page)
}

// HandleUpdatePage handles PATCH /api/creator/forms/:formId/pages/:pageId
// Body: {title?, pageFields?}
func (fr *FormRouter) HandleUpdatePage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	pageID, ok := uuidParam(c, "pageId")
	if !ok {
		return
	}
	var req service.UpdatePageRequest
	if !bindJSON(c, &req) {
		return
	}
	page, err := fr.forms.UpdatePage(c.Request.Context(), auth.CreatorID(c), formID, pageID, req)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, page)
}

func (fr *FormRouter) HandleDeletePage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	pageID, ok := uuidParam(c, "pageId")
	if !ok {
		return
	}
	if err := fr.forms.DeletePage(c.Request.Context(), auth.CreatorID(c), formID, pageID); err != nil {
		fr.writeError(c, err)
		return
	}
	response.NoContent(c)
}

// HandlePreviewPage handles GET /api/creator/forms/:formId/pages/:pageNumber/preview
// Renders a page of the creator's own form whether or not it is published.
func (fr *FormRouter) HandlePreviewPage(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	pageNumber, ok := pageNumberParam(c, "pageNumber")
	if !ok {
		return
	}
	view, err := fr.forms.PreviewPage(c.Request.Context(), auth.CreatorID(c), formID, pageNumber)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, view)
}

func (fr *FormRouter) HandleListSubmissions(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	var q paginationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "Invalid query parameters.")
		return
	}
	subs, info, err := fr.forms.ListSubmissions(c.Request.Context(), auth.CreatorID(c), formID, q.Page, q.Take)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.Paged(c, subs, info)
}

func (fr *FormRouter) HandleGetSubmission(c *gin.Context) {
	formID, ok := uuidParam(c, "formId")
	if !ok {
		return
	}
	submissionID, ok := uuidParam(c, "submissionId")
	if !ok {
		return
	}
	sub, err := fr.forms.GetSubmission(c.Request.Context(), auth.CreatorID(c), formID, submissionID)
	if err != nil {
		fr.writeError(c, err)
		return
	}
	response.OK(c, sub)
}
