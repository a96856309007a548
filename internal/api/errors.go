//
//
package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/floodguard/floodguard/internal/envelope"
	"github.com/floodguard/floodguard/internal/ingest"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToAPIError converts an error to an API error.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, envelope.ErrMalformed):
		return NewAPIError("MALFORMED", err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ingest.ErrUnknownTopic):
		return NewAPIError("BAD_REQUEST", err.Error(), http.StatusBadRequest, nil)
	default:
		return NewAPIError("INTERNAL", "Internal server error", http.StatusInternalServerError, nil)
	}
}

// writeAPIError writes err in the standard envelope.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	WriteError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message, apiErr.Details)
}

// ingestStatus maps a pipeline result to an HTTP status and error code.
// Accepted results map to 202 and an empty code.
func ingestStatus(res ingest.Result) (int, string) {
	switch res.Status {
	case ingest.StatusAccepted:
		return http.StatusAccepted, ""
	case ingest.StatusTransientFailure:
		return http.StatusServiceUnavailable, "TRANSIENT_FAILURE"
	}

	switch {
	case res.IsAuthFailure():
		return http.StatusUnauthorized, "AUTH_FAILURE"
	case res.Reason == ingest.ReasonMalformed:
		return http.StatusBadRequest, "MALFORMED"
	case res.Reason == ingest.ReasonDuplicate:
		return http.StatusConflict, "DUPLICATE"
	case res.Reason == ingest.ReasonValidationFailed:
		return http.StatusUnprocessableEntity, "VALIDATION_FAILURE"
	case res.Reason == ingest.ReasonRateLimited:
		return http.StatusTooManyRequests, "RATE_LIMITED"
	default:
		return http.StatusBadRequest, res.Reason
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
