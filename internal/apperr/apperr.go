// Package apperr defines the error kinds reported by LandLink services and
// their mapping onto HTTP responses.
//
// Domain packages declare sentinel errors with New and compare them with
// errors.Is. Storage failures are wrapped with Unavailable so callers can
// tell a transient outage from a rejected request.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/logging"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "state_conflict"
	KindUnavailable Kind = "storage_unavailable"
	KindInternal    Kind = "internal"
)

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindUnavailable {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New declares a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithDetail returns a copy of e with a more specific message. The copy
// wraps e, so errors.Is(copy, e) holds.
func (e *Error) WithDetail(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
		Err:     e,
	}
}

// NotFound, Validation and Conflict build one-off errors of each kind.
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func Conflict(code, message string) *Error   { return New(KindConflict, code, message) }

// Unavailable wraps a storage failure. Nil and already classified errors pass
// through unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{
		Kind:    KindUnavailable,
		Code:    "storage_unavailable",
		Message: "storage unavailable",
		Err:     err,
	}
}

// KindOf reports the kind of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to a response status. State conflicts are client
// errors, not 409s: the request was well formed but cannot apply right now.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body and aborts the request.
func Respond(c *gin.Context, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
	}
	status := HTTPStatus(ae.Kind)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"error", err,
			"kind", string(ae.Kind),
			"path", c.FullPath(),
		)
	}
	message := ae.Message
	if ae.Kind == KindInternal {
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   ae.Code,
		"message": message,
		"kind":    string(ae.Kind),
	})
}

// BadRequest responds with a validation error for an unparseable body.
func BadRequest(c *gin.Context, err error) {
	Respond(c, Validation("invalid_request", "invalid request body: "+err.Error()))
}
