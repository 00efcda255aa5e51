package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-service/internal/protocol"
	"instrument-service/pkg/driver"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "discovery", err: &protocol.DiscoveryError{Model: "PM100D", Attempts: 2}, status: http.StatusNotFound, code: "INSTRUMENT_NOT_FOUND"},
		{name: "busy", err: fmt.Errorf("open: %w", protocol.ErrBusy), status: http.StatusConflict, code: "INSTRUMENT_BUSY"},
		{name: "inconsistent", err: &protocol.InconsistentError{Parameter: "wavelength", Requested: "532", ReadBack: "530"}, status: http.StatusConflict, code: "INCONSISTENT_READBACK"},
		{name: "silent", err: &protocol.OperationError{Command: "OUTA", Err: protocol.ErrNoResponse}, status: http.StatusGatewayTimeout, code: "NO_RESPONSE"},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "NO_RESPONSE"},
		{name: "refused", err: &protocol.OperationError{Command: "STM2", Response: "Err"}, status: http.StatusBadGateway, code: "OPERATION_FAILED"},
		{name: "closed", err: protocol.ErrSessionClosed, status: http.StatusGone, code: "SESSION_CLOSED"},
		{name: "bad parameter", err: driver.InvalidParameter("iris", "must be 0-100, got %d", 120), status: http.StatusBadRequest, code: "INVALID_PARAMETER"},
		{name: "unknown action", err: fmt.Errorf("%w: dance", driver.ErrUnsupportedAction), status: http.StatusBadRequest, code: "UNSUPPORTED_ACTION"},
		{name: "unknown model", err: fmt.Errorf("%w: HR4000", driver.ErrUnknownModel), status: http.StatusBadRequest, code: "UNKNOWN_MODEL"},
		{name: "no handle", err: fmt.Errorf("%w: 42", driver.ErrInstrumentNotFound), status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := ClassifyError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestInstrumentErrorResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("request_id", "req-1")

	InstrumentErrorResponse(c, "Send failed", &protocol.OperationError{Command: "SOB3", Response: "Err"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "req-1", body.RequestID)
	require.NotNil(t, body.Error)
	assert.Equal(t, "OPERATION_FAILED", body.Error.Code)
	assert.Contains(t, body.Error.Details, "SOB3")
}
