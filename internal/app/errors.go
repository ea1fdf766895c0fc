package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"studio/api/internal/anchor"
	"studio/api/internal/auth"
	"studio/api/internal/editlock"
	"studio/api/internal/gitrepo"
	"studio/api/internal/render"
	"studio/api/internal/session"
	"studio/api/internal/versions"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErrs validation.Errors
	if errors.As(err, &validationErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", validationErrs
	}

	var conflict *versions.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Your view is stale, refresh to continue", map[string]any{
			"expected": conflict.Expected,
			"current":  conflict.Current,
		}
	}
	if errors.Is(err, versions.ErrVersionConflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Your view is stale, refresh to continue", nil
	}

	var busy *editlock.BusyError
	if errors.As(err, &busy) {
		return http.StatusLocked, "SESSION_BUSY", "Someone else is editing this document", map[string]any{
			"holder":      busy.Holder,
			"leaseExpiry": busy.LeaseExpiry,
		}
	}
	if errors.Is(err, editlock.ErrNotHolder) {
		return http.StatusConflict, "NOT_HOLDER", "You no longer hold the editing lock", nil
	}

	var renderErr *render.Error
	if errors.As(err, &renderErr) {
		return http.StatusUnprocessableEntity, "RENDER_FAILED", renderErr.Message, map[string]any{
			"line":    renderErr.Line,
			"excerpt": renderErr.Excerpt,
		}
	}

	switch {
	case errors.Is(err, session.ErrForbidden), errors.Is(err, anchor.ErrNotAuthor):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, versions.ErrNotFound), errors.Is(err, anchor.ErrNotFound),
		errors.Is(err, gitrepo.ErrNotMirrored), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, anchor.ErrInvalidAnchor):
		return http.StatusUnprocessableEntity, "INVALID_ANCHOR", err.Error(), nil
	case errors.Is(err, render.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, render.ErrUnsupportedImport):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_IMPORT", err.Error(), nil
	case errors.Is(err, render.ErrRendererUnavailable):
		return http.StatusServiceUnavailable, "RENDERER_UNAVAILABLE", "Rendering is not enabled", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
