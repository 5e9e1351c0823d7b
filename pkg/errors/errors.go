// Package errors defines the failure kinds of the metrics ingestion pipeline and how they
// surface over HTTP.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindDemoReadOnly   Kind = "demo_read_only"
	KindNotFound       Kind = "not_found"
	KindPersistence    Kind = "persistence"
	KindValidation     Kind = "validation"
)

// CodeDemoReadOnly is the machine-readable code returned when a read-only tenant tries to write.
const CodeDemoReadOnly = "DEMO_READ_ONLY"

type IngestError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// StatusCode maps the kind to its HTTP status.
func (e *IngestError) StatusCode() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization, KindDemoReadOnly:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPersistence, KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable code, empty for kinds that only carry a message.
func (e *IngestError) Code() string {
	if e.Kind == KindDemoReadOnly {
		return CodeDemoReadOnly
	}
	return ""
}

func (e *IngestError) ToHTTPError() *httperror.HTTPError {
	httpErr := httperror.NewHTTPError(e.StatusCode(), e.Message)
	if code := e.Code(); code != "" {
		httpErr = httpErr.AddMetaValue("code", code)
	}
	return httpErr
}

func NewAuthenticationError(msg string) *IngestError {
	return &IngestError{Kind: KindAuthentication, Message: msg}
}

func NewAuthorizationError(msg string) *IngestError {
	return &IngestError{Kind: KindAuthorization, Message: msg}
}

func NewDemoReadOnlyError() *IngestError {
	return &IngestError{Kind: KindDemoReadOnly, Message: "demo workspaces are read-only"}
}

func NewNotFoundError(msg string) *IngestError {
	return &IngestError{Kind: KindNotFound, Message: msg}
}

func NewPersistenceError(msg string, err error) *IngestError {
	return &IngestError{Kind: KindPersistence, Message: msg, Err: err}
}

func NewValidationError(msg string) *IngestError {
	return &IngestError{Kind: KindValidation, Message: msg}
}

// AsIngestError unwraps err to an *IngestError.
func AsIngestError(err error) (*IngestError, bool) {
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		return ingestErr, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	ingestErr, ok := AsIngestError(err)
	return ok && ingestErr.Kind == kind
}

// Response is the `{ok:false,...}` body returned by the ingestion endpoint.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToResponse maps any error to a status and wire body. Errors outside the taxonomy become 500s
// without leaking their text.
func ToResponse(err error) (int, Response) {
	if ingestErr, ok := AsIngestError(err); ok {
		if code := ingestErr.Code(); code != "" {
			return ingestErr.StatusCode(), Response{OK: false, Code: code, Message: ingestErr.Message}
		}
		return ingestErr.StatusCode(), Response{OK: false, Error: ingestErr.Message}
	}

	if httperror.IsHTTPError(err) {
		status := httperror.GetStatusCode(err)
		message := httperror.ToHTTPError(err).Error()
		if status >= http.StatusInternalServerError {
			message = "internal error"
		}
		return status, Response{OK: false, Error: message}
	}

	return http.StatusInternalServerError, Response{OK: false, Error: "internal error"}
}
