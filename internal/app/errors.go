package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer renders as {code, message, details}
// with Status.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func unauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// forbidden names the role that was refused, when there is one.
func forbidden(message, role string) *DomainError {
	var details any
	if role != "" {
		details = map[string]any{"role": role}
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", message, details)
}

func invalidField(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]any{"field": field})
}
