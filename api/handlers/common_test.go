package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfang/openfang/types"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid request",
			err:        types.NewError(types.ErrInvalidRequest, "agent_id is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   string(types.ErrInvalidRequest),
		},
		{
			name:       "run not found",
			err:        types.NewError(types.ErrRunNotFound, "run not found"),
			wantStatus: http.StatusNotFound,
			wantCode:   string(types.ErrRunNotFound),
		},
		{
			name:       "queue full",
			err:        types.NewError(types.ErrQueueFull, "queue is full").WithRetryable(true),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   string(types.ErrQueueFull),
		},
		{
			name:       "agent busy",
			err:        types.NewError(types.ErrAgentBusy, "agent has active runs"),
			wantStatus: http.StatusConflict,
			wantCode:   string(types.ErrAgentBusy),
		},
		{
			name:       "explicit status wins",
			err:        types.NewError(types.ErrInternalError, "boom").WithHTTPStatus(http.StatusBadGateway),
			wantStatus: http.StatusBadGateway,
			wantCode:   string(types.ErrInternalError),
		},
		{
			name:       "untyped error maps to 500",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   string(types.ErrInternalError),
		},
		{
			name:       "wrapped typed error keeps its status",
			err:        fmt.Errorf("admitting run: %w", types.NewError(types.ErrQueueFull, "queue is full")),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   string(types.ErrQueueFull),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, logger)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	body := `{"name": "echo", "bogus": true}`
	r := httptest.NewRequest(http.MethodPost, "/v1/agents", jsonBody(body))
	w := httptest.NewRecorder()

	var req RegisterAgentRequest
	err := DecodeJSONBody(w, r, &req, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // second call must be ignored
	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.True(t, rw.Written)
}
