package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithError_AppError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	err := fmt.Errorf("lookup: %w", NewNotFound("job not found").WithDetails(map[string]any{"job_id": "j1"}))
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "job not found", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.Equal(t, "j1", body.Error.Details["job_id"])
}

func TestRespondWithError_PlainErrorIsInternal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, assert.AnError.Error())
}

func TestAppError_Envelope(t *testing.T) {
	env := NewConflict("run in progress", nil).
		WithDetails(map[string]any{"agency": "LTA"}).
		Envelope("req-3")
	assert.Equal(t, CodeConflict, env.Code)
	assert.Equal(t, "run in progress", env.Message)
	assert.Equal(t, "req-3", env.CorrelationID)
	assert.Equal(t, "LTA", env.Context["agency"])

	bare := NewNotFound("job not found").Envelope("")
	assert.Empty(t, bare.CorrelationID)
	assert.Empty(t, bare.Context)
}

func TestWriteEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteEnvelope(rec, gferrors.NewErrorEnvelope(CodeServiceUnavailable, "state db unavailable").WithCorrelationID("req-4"),
		http.StatusServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "req-4", body.Error.RequestID)
}

func TestWrapInternal(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-2")
	err := WrapInternal(ctx, assert.AnError, "Cannot open state")
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "req-2", err.Details["request_id"])
	assert.Contains(t, err.Error(), "Cannot open state")

	assert.Nil(t, WrapInternal(context.Background(), assert.AnError, "x").Details)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *AppError
		status int
		code   string
	}{
		{NewMethodNotAllowed("m"), http.StatusMethodNotAllowed, CodeMethodNotAllowed},
		{NewBadRequest("b", nil), http.StatusBadRequest, CodeBadRequest},
		{NewUnauthorized("u"), http.StatusUnauthorized, CodeUnauthorized},
		{NewConflict("c", nil), http.StatusConflict, CodeConflict},
		{NewServiceUnavailable("s"), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{NewExternalServiceError("e"), http.StatusBadGateway, CodeExternalService},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}
