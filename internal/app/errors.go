package app

import (
	"errors"
	"fmt"
	"net/http"

	"redline/internal/decision"
	"redline/internal/store"
)

const (
	ReasonLockedByEscalation = "locked_by_escalation"
	ReasonFinalized          = "finalized"
	ReasonForbiddenRole      = "forbidden_role"
)

// DomainError is the only error type the service returns. Cause is kept for
// logs and never written to clients.
type DomainError struct {
	Status  int
	Code    string
	Reason  string
	Message string
	Details any
	Cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(err error) *DomainError {
	derr := domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	var verr *decision.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		derr.Details = map[string]any{"field": verr.Field}
	}
	derr.Cause = err
	return derr
}

func invalidf(field, format string, args ...any) *DomainError {
	return validationError(&decision.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func permissionError(reason, message string) *DomainError {
	derr := domainError(http.StatusForbidden, "PERMISSION_DENIED", message, map[string]any{"reason": reason})
	derr.Reason = reason
	return derr
}

func notFound(message string, cause error) *DomainError {
	derr := domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
	derr.Cause = cause
	return derr
}

func internalError(message string, cause error) *DomainError {
	derr := domainError(http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
	derr.Cause = cause
	return derr
}

// classify turns a store or fold error into a DomainError. what names the
// missing thing in NOT_FOUND messages.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr
	}
	var verr *decision.ValidationError
	switch {
	case errors.As(err, &verr):
		return validationError(verr)
	case errors.Is(err, store.ErrNotFound):
		return notFound(what+" not found", err)
	case errors.Is(err, store.ErrAlreadyExists):
		derr := domainError(http.StatusConflict, "ALREADY_EXISTS", what+" already exists", nil)
		derr.Cause = err
		return derr
	case errors.Is(err, decision.ErrCorruptLog):
		return internalError("decision log for "+what+" cannot be projected", err)
	default:
		return internalError("internal error", err)
	}
}
