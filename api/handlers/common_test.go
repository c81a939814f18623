package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/ctxkeys"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-42"))
	w := httptest.NewRecorder()

	WriteSuccess(w, r, map[string]string{"key": "value"})

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
	}{
		{"validation", types.NewError(types.ErrValidation, "bad image"), http.StatusBadRequest},
		{"not found", types.NewError(types.ErrNotFound, "no job"), http.StatusNotFound},
		{"conflict", types.NewError(types.ErrConflict, "exists"), http.StatusConflict},
		{"stale claim", types.NewError(types.ErrStaleClaim, "stale"), http.StatusConflict},
		{"unauthorized", types.NewError(types.ErrUnauthorized, "no key"), http.StatusUnauthorized},
		{"rate limited", types.NewError(types.ErrRateLimited, "slow down"), http.StatusTooManyRequests},
		{"queue down", types.NewError(types.ErrQueueUnavailable, "down"), http.StatusServiceUnavailable},
		{"remote", types.NewError(types.ErrRemoteChannel, "peer"), http.StatusBadGateway},
		{"timeout", types.NewError(types.ErrTimeout, "slow"), http.StatusGatewayTimeout},
		{"explicit status wins", types.NewError(types.ErrInternalError, "x").WithHTTPStatus(http.StatusTeapot), http.StatusTeapot},
		{"unknown code", types.NewError("SOMETHING", "x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
		})
	}
}

func TestToAPIError_DomainSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{fmt.Errorf("get job: %w", taskdb.ErrNotFound), types.ErrNotFound},
		{artifact.ErrNotFound, types.ErrNotFound},
		{taskdb.ErrAlreadyExists, types.ErrConflict},
		{artifact.ErrInvalidInput, types.ErrInvalidRequest},
		{taskdb.ErrQueueClosed, types.ErrQueueUnavailable},
		{artifact.ErrStoreClosed, types.ErrStoreUnavailable},
		{types.NewValidationError("bad"), types.ErrValidation},
		{errors.New("boom"), types.ErrInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toAPIError(tt.err).Code, tt.err.Error())
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Image string `json:"image"`
	}

	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantStatus int
	}{
		{"valid", `{"image":"abc"}`, false, http.StatusOK},
		{"empty", ``, true, http.StatusBadRequest},
		{"malformed", `{"image":`, true, http.StatusBadRequest},
		{"unknown field", `{"image":"abc","extra":1}`, true, http.StatusBadRequest},
		{"trailing object", `{"image":"a"}{"image":"b"}`, true, http.StatusBadRequest},
		{"too large", `{"image":"` + strings.Repeat("a", DefaultMaxBodyBytes) + `"}`, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			r := httptest.NewRequest(http.MethodPost, "/", body)
			w := httptest.NewRecorder()

			var dst payload
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "abc", dst.Image)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON", true},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()

			assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()))
			if !tt.want {
				assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestReadBody_Limit(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	_, ok := ReadBody(w, r, 4, zap.NewNop())
	assert.False(t, ok)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123"))
	data, ok := ReadBody(w, r, 4, zap.NewNop())
	assert.True(t, ok)
	assert.Equal(t, []byte("0123"), data)
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusOK)
	n, err := rw.Write([]byte("missing"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, rw.StatusCode)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, n, rw.Bytes)
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())
}
