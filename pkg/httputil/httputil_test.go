package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// --- WriteJSON ---

func TestWriteJSON_SetsContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, Response{Status: StatusSuccess})

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteSuccess_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
}

func TestWriteErrorMessage_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusBadRequest, "Invalid UUID")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"Invalid UUID"}`, rec.Body.String())
}

// --- ErrorWriter ---

func TestWriteError_NotFound_DefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reindex", nil)

	ew := ErrorWriter{Logger: testLogger()}
	ew.WriteError(rec, req, apperrors.NotFound("Recording", "9e2a1d0c-3f47-4c1b-8c65-2b0a5f9d1e11"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "Recording with GID 9e2a1d0c-3f47-4c1b-8c65-2b0a5f9d1e11 not found", resp.Message)
}

func TestWriteError_NotFound_Configured404(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reindex", nil)

	ew := ErrorWriter{NotFoundStatus: http.StatusNotFound, Logger: testLogger()}
	ew.WriteError(rec, req, fmt.Errorf("resolve: %w", apperrors.NotFound("Recording", "x")))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteError_InvalidIdentifier(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reindex", nil)

	ErrorWriter{Logger: testLogger()}.WriteError(rec, req, apperrors.InvalidIdentifier("Invalid UUID"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid UUID", decode(t, rec).Message)
}

func TestWriteError_DispatchFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reindex", nil)

	err := apperrors.DispatchFailure(errors.New("solr returned 503"))
	ErrorWriter{Logger: testLogger()}.WriteError(rec, req, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "index update failed: solr returned 503", decode(t, rec).Message)
}

func TestWriteError_UnknownError_UsesErrorText(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reindex", nil)

	ErrorWriter{Logger: testLogger()}.WriteError(rec, req, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", decode(t, rec).Message)
}

func TestResponse_OmitsEmptyMessage(t *testing.T) {
	data, err := json.Marshal(Response{Status: StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success"}`, string(data))
}
