package response

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Response is the unified API response format.
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	ErrorCode string      `json:"error_code,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// AppError represents a structured application error with HTTP status and error code.
type AppError struct {
	HTTPStatus int                    // HTTP status code (e.g. 400, 404, 500)
	Code       int                    // Application-level error code
	ErrorCode  string                 // Machine-readable code, e.g. INVALID_CREDENTIALS
	Message    string                 // Human-readable error message
	Details    map[string]interface{} // Structured payload rendered under data
}

func (e *AppError) Error() string {
	return e.Message
}

// Coder is implemented by domain errors that know how they should be rendered.
type Coder interface {
	AppError() *AppError
}

func NewBadRequest(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadRequest, Code: 400, Message: msg}
}

func NewUnauthorized(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusUnauthorized, Code: 401, Message: msg}
}

func NewForbidden(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusForbidden, Code: 403, Message: msg}
}

func NewNotFound(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusNotFound, Code: 404, Message: msg}
}

func NewConflict(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusConflict, Code: 409, Message: msg}
}

func NewServerError(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusInternalServerError, Code: 500, Message: msg}
}

// Success sends a 200 OK response with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

// Created sends a 201 Created response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "created",
		Data:    data,
	})
}

// Error sends an error response. *AppError values and errors implementing
// Coder keep their status and code; anything else becomes a generic 500 so
// internal details never reach the client.
func Error(c *gin.Context, err error) {
	var coder Coder
	if errors.As(err, &coder) {
		writeAppError(c, coder.AppError())
		return
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		writeAppError(c, appErr)
		return
	}
	c.JSON(http.StatusInternalServerError, Response{
		Code:    500,
		Message: "internal server error",
	})
}

func writeAppError(c *gin.Context, appErr *AppError) {
	resp := Response{
		Code:      appErr.Code,
		Message:   appErr.Message,
		ErrorCode: appErr.ErrorCode,
	}
	if len(appErr.Details) > 0 {
		resp.Data = appErr.Details
	}
	c.JSON(appErr.HTTPStatus, resp)
}

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: 400, Message: msg})
}

func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, Response{Code: 401, Message: msg})
}

func Forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, Response{Code: 403, Message: msg})
}

func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: 404, Message: msg})
}

func ServerError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{Code: 500, Message: msg})
}

// TooManyRequests sends a 429 with a Retry-After header (whole seconds, rounded up).
func TooManyRequests(c *gin.Context, errorCode, msg string, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	c.JSON(http.StatusTooManyRequests, Response{
		Code:      429,
		Message:   msg,
		ErrorCode: errorCode,
		Data: gin.H{
			"message":           msg,
			"retryAfterSeconds": retryAfterSeconds,
		},
	})
}
