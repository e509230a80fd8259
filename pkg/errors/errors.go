package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure classes of a reindex request.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrNotFound          = errors.New("entity not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrPartialSource     = errors.New("partial source failure")
	ErrDispatch          = errors.New("dispatch failed")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`

	// Source names the failed source or step of a PartialSource error.
	Source string `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidIdentifier creates a 400 error for a malformed GID.
func InvalidIdentifier(message string) *AppError {
	return &AppError{
		Code:    "INVALID_IDENTIFIER",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidIdentifier,
	}
}

// NotFound creates an error for a seed GID with no matching row. The status is
// 500 to match the listener's historical behavior; see NotFoundStatus.
func NotFound(entity, gid string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with GID %s not found", entity, gid),
		Status:  http.StatusInternalServerError,
		Err:     ErrNotFound,
	}
}

// StoreUnavailable creates a 500 error for a connectivity or transaction failure.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:    "STORE_UNAVAILABLE",
		Message: fmt.Sprintf("entity store unavailable: %v", err),
		Status:  http.StatusInternalServerError,
		Err:     fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
	}
}

// PartialSource creates a warning-level error for one failed source or traversal step.
func PartialSource(source string, err error) *AppError {
	return &AppError{
		Code:    "PARTIAL_SOURCE_FAILURE",
		Message: fmt.Sprintf("source %s failed", source),
		Status:  http.StatusOK,
		Err:     fmt.Errorf("%w: %w", ErrPartialSource, err),
		Source:  source,
	}
}

// DispatchFailure creates a 500 error for a failed index update or commit.
func DispatchFailure(err error) *AppError {
	return &AppError{
		Code:    "DISPATCH_FAILED",
		Message: fmt.Sprintf("index update failed: %v", err),
		Status:  http.StatusInternalServerError,
		Err:     fmt.Errorf("%w: %w", ErrDispatch, err),
	}
}

// IsFatal reports whether err must abort the rest of a reindex pipeline.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPartialSource)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, ErrPartialSource):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// NotFoundStatus returns the status to use for ErrNotFound. Only 404 and 500
// are accepted; anything else falls back to 500.
func NotFoundStatus(configured int) int {
	if configured == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
