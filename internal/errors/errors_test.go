package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantStatus int
		wantCode   string
	}{
		{"invalid request", InvalidRequestWithError(errors.New("unexpected EOF")), http.StatusBadRequest, "INVALID_REQUEST"},
		{"simple validation", NewValidationError("bad"), http.StatusBadRequest, "VALIDATION_FAILED"},
		{"rate limit", ErrRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode)
			assert.Equal(t, tt.wantCode, tt.err.ErrorCode)
			assert.Equal(t, tt.err.Message, tt.err.Error())
		})
	}

	assert.Equal(t, "unexpected EOF", InvalidRequestWithError(errors.New("unexpected EOF")).Details)
}

func TestWriteProblem(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProblem(w, NewProblemDetails(http.StatusConflict, TypeMachineConflict, "Machine Conflict", "taken", "/activate-license"))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "taken", body["message"])
	assert.Equal(t, "/activate-license", body["instance"])
}

func TestAppError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStorageError("connect postgres", cause).WithContext("driver", "postgres")

	assert.Equal(t, "[STORAGE] connect postgres: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "postgres", err.Context["driver"])
	assert.True(t, IsType(err, ErrTypeStorage))
	assert.False(t, IsType(err, ErrTypeDelivery))
	assert.False(t, IsType(cause, ErrTypeStorage))

	assert.Equal(t, "[CONFIG] missing key", NewConfigError("missing key", nil).Error())

	for typ, ctor := range map[ErrorType]func(string, error) *AppError{
		ErrTypeRegistry:   NewRegistryError,
		ErrTypeDelivery:   NewDeliveryError,
		ErrTypeClassifier: NewClassifierError,
	} {
		assert.Equal(t, typ, ctor("m", nil).Type)
	}
}
