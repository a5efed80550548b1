package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure so callers and the HTTP layer can decide
// whether it is user-fixable, retryable, or terminal.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindControlPlane  ErrorKind = "control_plane"
	KindStore         ErrorKind = "store"
	KindInternal      ErrorKind = "internal"
)

// Error defines the standard error shape for the publishing API.
type Error struct {
	// HTTP Status Code (e.g., 400, 403, 409, 500)
	Code int
	// Failure classification
	Kind ErrorKind
	// Safe message for the client
	Message string
	// Original error for internal logging
	Log error
}

// Error implements standard error interface
func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Log
}

// KindOf returns the classification of err, or KindInternal for unknown errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is worth retrying inside the reconciler.
// Only control-plane and store failures are transient; everything else is
// either user-fixable or a contract violation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindControlPlane, KindStore:
		return true
	}
	return false
}

// ValidationError creates a 400 error for bad input shapes or values.
func ValidationError(msg string) *Error {
	return &Error{Code: http.StatusBadRequest, Kind: KindValidation, Message: msg}
}

// AuthorizationError creates a 403 error for a tenant boundary violation.
func AuthorizationError(msg string) *Error {
	return &Error{Code: http.StatusForbidden, Kind: KindAuthorization, Message: msg}
}

// NotFoundError creates a standard 404 error.
func NotFoundError(msg string) *Error {
	return &Error{Code: http.StatusNotFound, Kind: KindNotFound, Message: msg}
}

// ConflictError creates a 409 error for concurrent or incompatible operations
// on the same publication.
func ConflictError(msg string) *Error {
	return &Error{Code: http.StatusConflict, Kind: KindConflict, Message: msg}
}

// ControlPlaneError wraps a failed apply/delete against the cluster.
func ControlPlaneError(msg string, err error) *Error {
	return &Error{Code: http.StatusBadGateway, Kind: KindControlPlane, Message: msg, Log: err}
}

// StoreError wraps a persistence failure.
func StoreError(msg string, err error) *Error {
	return &Error{Code: http.StatusInternalServerError, Kind: KindStore, Message: msg, Log: err}
}

// InternalError creates a standard error for any internal server error.
func InternalError(msg string, err error) *Error {
	return &Error{Code: http.StatusInternalServerError, Kind: KindInternal, Message: msg, Log: err}
}

// Problem implements RFC 9457 for rich validation responses.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`

	Log error `json:"-"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

func (p *Problem) MarshalJSON() ([]byte, error) {
	type Alias Problem

	data := make(map[string]interface{})

	for k, v := range p.Extensions {
		data[k] = v
	}

	stdJSON, _ := json.Marshal(Alias(*p))
	_ = json.Unmarshal(stdJSON, &data)

	return json.Marshal(data)
}

// FieldValidationProblem creates a rich validation error from a field error map.
func FieldValidationProblem(validationErrors map[string]string) *Problem {
	return &Problem{
		Type:       "about:blank",
		Title:      "Validation Error",
		Status:     http.StatusBadRequest,
		Detail:     "One or more fields failed validation",
		Extensions: map[string]interface{}{"errors": validationErrors},
	}
}
