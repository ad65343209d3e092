package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/formflow/utils"
)

// FieldError points a message at a single form field.
type FieldError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ErrorBody is the envelope of every non-2xx JSON response.
type ErrorBody struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

type pagedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination utils.PageInfo `json:"pagination"`
}

// OK sends a 200 response.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Paged sends a paginated response.
func Paged(c *gin.Context, data interface{}, info utils.PageInfo) {
	c.JSON(http.StatusOK, pagedResponse{Data: data, Pagination: info})
}

// Created sends a 201 response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Redirect answers a form post with 303 See Other so the browser follows with a GET.
func Redirect(c *gin.Context, location string) {
	c.Redirect(http.StatusSeeOther, location)
}

// Error aborts with the given status and message.
func Error(c *gin.Context, status int, message string, errs ...FieldError) {
	if errs == nil {
		errs = []FieldError{}
	}
	c.AbortWithStatusJSON(status, ErrorBody{Message: message, Errors: errs})
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Authentication required.")
}

// NotFound sends a 404 error with a custom message.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

// InternalError sends a 500 error response. The cause is recorded on the
// context for the request logger and never returned to the client.
func InternalError(c *gin.Context, err error) {
	if err != nil {
		_ = c.Error(err)
	}
	Error(c, http.StatusInternalServerError, "Something went wrong. Please try again later.")
}
