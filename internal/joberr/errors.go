// Package joberr defines the error taxonomy shared by submission, probing,
// polling and the HTTP surface.
package joberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable category of a failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindProvider      Kind = "provider"
	KindTransient     Kind = "transient"
	KindTimeout       Kind = "timeout"
	KindEmptyResult   Kind = "empty_result"
	KindNotFound      Kind = "not_found"
	KindCanceled      Kind = "canceled"
)

// Error is the single structured error type returned by the job packages.
type Error struct {
	Kind       Kind
	Message    string
	JobID      string
	StatusCode int
	// Temporary marks provider errors the poll loop may retry (5xx, 429).
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, joberr.Timeout)
// works against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.JobID == ""
}

// Retryable reports whether a client may reasonably retry the whole request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindTimeout, KindCanceled:
		return true
	case KindProvider:
		return e.Temporary
	}
	return false
}

// HTTPStatus maps the kind onto a response code for the API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return 499
	}
	return http.StatusBadGateway
}

// Sentinels for errors.Is.
var (
	Validation    = &Error{Kind: KindValidation}
	Configuration = &Error{Kind: KindConfiguration}
	Provider      = &Error{Kind: KindProvider}
	Transient     = &Error{Kind: KindTransient}
	Timeout       = &Error{Kind: KindTimeout}
	EmptyResult   = &Error{Kind: KindEmptyResult}
	NotFound      = &Error{Kind: KindNotFound}
	Canceled      = &Error{Kind: KindCanceled}
)

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Configurationf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewProvider builds a provider error carrying the upstream status and message.
func NewProvider(status int, message string) *Error {
	return &Error{
		Kind:       KindProvider,
		Message:    message,
		StatusCode: status,
		Temporary:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
	}
}

func NewTransient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "provider unreachable", Err: err}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the category of err, defaulting to provider for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindProvider
}

// WithJob returns a copy of err annotated with the job id.
func WithJob(err error, jobID string) error {
	e, ok := As(err)
	if !ok {
		return &Error{Kind: KindProvider, JobID: jobID, Err: err}
	}
	cp := *e
	cp.JobID = jobID
	return &cp
}
