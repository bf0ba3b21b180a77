package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	err := NewValidationError("playback rate must be positive")
	assert.Equal(t, "VALIDATION_ERROR: playback rate must be positive", err.Error())
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
}

func TestAppErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := WrapInternalError(cause, "csv export")

	assert.Equal(t, ErrorTypeInternal, err.Type)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.Contains(t, err.Error(), "caused by: disk full")
	assert.True(t, errors.Is(err, cause))
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("plugin reverb")
	assert.Equal(t, ErrorTypeNotFound, err.Type)
	assert.Equal(t, "plugin reverb not found", err.Message)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("auto-detection is enabled")
	assert.Equal(t, ErrorTypeConflict, err.Type)
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
}

func TestWithDetails(t *testing.T) {
	err := NewValidationError("latency out of range").
		WithDetails(map[string]interface{}{"latency_ms": -5.0})

	require.NotNil(t, err.Details)
	assert.Equal(t, -5.0, err.Details["latency_ms"])
}

func TestGetAppError(t *testing.T) {
	appErr, ok := GetAppError(NewInternalError("boom"))
	require.True(t, ok)
	assert.Equal(t, ErrorTypeInternal, appErr.Type)

	_, ok = GetAppError(fmt.Errorf("plain"))
	assert.False(t, ok)
}
