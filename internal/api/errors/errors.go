// Package errors maps sentinel's domain errors to HTTP API errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/moolen/sentinel/internal/models"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorCode represents error codes used in API responses
type ErrorCode string

const (
	ErrorCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrorCodeInvalidTarget       ErrorCode = "INVALID_TARGET"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeConflict            ErrorCode = "CONFLICT"
	ErrorCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorCodeTooManyRequests     ErrorCode = "TOO_MANY_REQUESTS"
	ErrorCodeMethodNotAllowed    ErrorCode = "METHOD_NOT_ALLOWED"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// APIError represents an API error with status code and message
type APIError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
}

func NewAPIError(code ErrorCode, httpStatus int, message string) *APIError {
	return &APIError{
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    message,
		Details:    make(map[string]interface{}),
	}
}

func (e *APIError) Error() string {
	return e.Message
}

// Response returns the JSON body for the error.
func (e *APIError) Response() ErrorResponse {
	resp := ErrorResponse{Error: string(e.Code), Message: e.Message}
	if len(e.Details) > 0 {
		resp.Details = e.Details
	}
	return resp
}

// WithDetail adds additional context to the error
func (e *APIError) WithDetail(key string, value interface{}) *APIError {
	e.Details[key] = value
	return e
}

func NewInvalidRequestError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeInvalidRequest, http.StatusBadRequest, fmt.Sprintf(message, args...))
}

func NewTooManyRequestsError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeTooManyRequests, http.StatusTooManyRequests, fmt.Sprintf(message, args...))
}

func NewInternalServerError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeInternalError, http.StatusInternalServerError, fmt.Sprintf(message, args...))
}

// FromError maps domain sentinels to API errors. Anything unknown becomes
// a 500.
func FromError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case stderrors.Is(err, models.ErrInvalidTarget):
		return NewAPIError(ErrorCodeInvalidTarget, http.StatusNotFound, err.Error())
	case stderrors.Is(err, models.ErrInvalidRequest):
		return NewAPIError(ErrorCodeInvalidRequest, http.StatusBadRequest, err.Error())
	case stderrors.Is(err, models.ErrActionNotFound):
		return NewAPIError(ErrorCodeNotFound, http.StatusNotFound, err.Error())
	case stderrors.Is(err, models.ErrOutcomeExists):
		return NewAPIError(ErrorCodeConflict, http.StatusConflict, err.Error())
	case stderrors.Is(err, models.ErrUpstreamUnavailable):
		apiErr := NewAPIError(ErrorCodeUpstreamUnavailable, http.StatusServiceUnavailable, err.Error())
		var ue *models.UpstreamError
		if stderrors.As(err, &ue) {
			apiErr.WithDetail("upstream", ue.Upstream)
		}
		return apiErr
	default:
		return NewInternalServerError("internal error: %v", err)
	}
}
