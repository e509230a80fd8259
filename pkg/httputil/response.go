package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/logger"
)

// Status values used in response bodies.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the JSON body written by the reindex listener.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
// If encoding fails, the error is dropped; headers are already sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes 200 {"status":"success"}.
func WriteSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, Response{Status: StatusSuccess})
}

// WriteErrorMessage writes {"status":"error","message":msg} with the given status.
func WriteErrorMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Response{Status: StatusError, Message: msg})
}

// ErrorWriter maps pipeline errors to HTTP responses.
type ErrorWriter struct {
	// NotFoundStatus is the status written for apperrors.ErrNotFound.
	NotFoundStatus int
	Logger         *slog.Logger
}

// WriteError writes a response for err. It prefers the request-scoped
// logger from context over the fallback one.
func (ew ErrorWriter) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && ew.Logger != nil {
		l = ew.Logger
	}

	status := apperrors.HTTPStatus(err)
	if errors.Is(err, apperrors.ErrNotFound) {
		status = apperrors.NotFoundStatus(ew.NotFoundStatus)
	}

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "reindex request failed",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
		)
	}

	WriteErrorMessage(w, status, message)
}
