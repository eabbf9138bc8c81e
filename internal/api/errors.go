// Package api provides error handling utilities for HTTP APIs
package api

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/pianoreel/internal/database"
	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/logger"
)

// Error codes returned in ErrorDetails.Code
const (
	CodeNotFound    = "NOT_FOUND"
	CodeValidation  = "VALIDATION_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Error   ErrorDetails `json:"error"`
	Success bool         `json:"success"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Operation string `json:"operation,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondWithError sends a structured error response. The status is derived
// from the error.
func RespondWithError(c *gin.Context, err error) {
	status, code := classify(err)
	respond(c, status, code, err)
}

// RespondWithNotFound sends a not found error response
func RespondWithNotFound(c *gin.Context, resource string, id string) {
	respond(c, http.StatusNotFound, CodeNotFound, fmt.Errorf("%s not found: %s", resource, id))
}

// RespondWithValidationError sends a validation error response
func RespondWithValidationError(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, CodeValidation, stderrors.New(message))
}

// RespondUnavailable reports a dependency that is not configured
func RespondUnavailable(c *gin.Context, what string) {
	respond(c, http.StatusServiceUnavailable, CodeUnavailable, fmt.Errorf("%s is not available", what))
}

func classify(err error) (int, string) {
	switch {
	case stderrors.Is(err, database.ErrRunNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, errors.ErrSetup):
		return http.StatusBadRequest, CodeValidation
	}
	return http.StatusInternalServerError, CodeInternal
}

func respond(c *gin.Context, status int, code string, err error) {
	requestID := c.GetString("request_id")
	if requestID == "" {
		requestID = c.GetHeader("X-Request-ID")
	}

	details := ErrorDetails{
		Code:      code,
		Message:   err.Error(),
		RequestID: requestID,
	}

	var jobErr *errors.JobError
	if stderrors.As(err, &jobErr) {
		details.Type = string(jobErr.Type)
		details.Operation = jobErr.Op
		details.JobID = jobErr.JobID
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.Request.URL.Path, "error", err, "request_id", requestID)
	}

	c.JSON(status, ErrorResponse{Success: false, Error: details})
}

// ErrorMiddleware recovers from handler panics and responds with an internal
// error
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				var err error
				switch v := r.(type) {
				case error:
					err = v
				case string:
					err = stderrors.New(v)
				default:
					err = stderrors.New("unknown panic")
				}

				logger.Error("panic recovered",
					"error", err,
					"request_path", c.Request.URL.Path,
					"request_method", c.Request.Method,
				)

				respond(c, http.StatusInternalServerError, CodeInternal, err)
				c.Abort()
			}
		}()

		c.Next()
	}
}
