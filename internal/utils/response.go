// internal/utils/response.go
package utils

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"instrument-service/internal/protocol"
	"instrument-service/pkg/driver"
)

// APIResponse represents standard API response structure
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError represents error information
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// ErrorResponse sends an error response with a code derived from the status
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	errorWithCode(c, statusCode, getErrorCode(statusCode), message, err)
}

// InstrumentErrorResponse classifies err by kind and sends the matching status
func InstrumentErrorResponse(c *gin.Context, message string, err error) {
	status, code := ClassifyError(err)
	errorWithCode(c, status, code, message, err)
}

// ValidationErrorResponse sends validation error response
func ValidationErrorResponse(c *gin.Context, errors map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
		},
		Data:      gin.H{"validation_errors": errors},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func errorWithCode(c *gin.Context, statusCode int, code, message string, err error) {
	apiError := &APIError{Code: code, Message: message}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// ClassifyError maps the protocol error taxonomy to an HTTP status and code
func ClassifyError(err error) (int, string) {
	switch {
	case errors.Is(err, driver.ErrInvalidParameter):
		return http.StatusBadRequest, "INVALID_PARAMETER"
	case errors.Is(err, driver.ErrUnsupportedAction):
		return http.StatusBadRequest, "UNSUPPORTED_ACTION"
	case errors.Is(err, driver.ErrUnknownModel):
		return http.StatusBadRequest, "UNKNOWN_MODEL"
	case errors.Is(err, driver.ErrInstrumentNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, protocol.ErrConnectionFailed):
		return http.StatusNotFound, "INSTRUMENT_NOT_FOUND"
	case errors.Is(err, protocol.ErrBusy):
		return http.StatusConflict, "INSTRUMENT_BUSY"
	case errors.Is(err, protocol.ErrInconsistent):
		return http.StatusConflict, "INCONSISTENT_READBACK"
	case errors.Is(err, protocol.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "NO_RESPONSE"
	case errors.Is(err, protocol.ErrOperation):
		return http.StatusBadGateway, "OPERATION_FAILED"
	case errors.Is(err, protocol.ErrSessionClosed):
		return http.StatusGone, "SESSION_CLOSED"
	default:
		return http.StatusInternalServerError, getErrorCode(http.StatusInternalServerError)
	}
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	if requestID, ok := c.Get("request_id"); ok {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// getErrorCode returns error code based on HTTP status
func getErrorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusGone:
		return "GONE"
	case http.StatusBadGateway:
		return "BAD_GATEWAY"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
