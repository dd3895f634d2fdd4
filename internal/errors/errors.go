// Package errors defines the kind-tagged error taxonomy shared by every
// layer. Callers branch on Kind, never on error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorises an error for propagation policy decisions.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindConflict         Kind = "conflict"
	KindTransient        Kind = "transient"
	KindConfiguration    Kind = "configuration"
	KindOverloaded       Kind = "overloaded"
	KindInternal         Kind = "internal"
)

// Sentinels for errors.Is checks against bare kinds.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrTransient        = errors.New("transient failure")
	ErrConfiguration    = errors.New("configuration error")
	ErrOverloaded       = errors.New("overloaded")
	ErrInternal         = errors.New("internal error")
)

var sentinelByKind = map[Kind]error{
	KindValidation:       ErrValidation,
	KindNotFound:         ErrNotFound,
	KindPermissionDenied: ErrPermissionDenied,
	KindConflict:         ErrConflict,
	KindTransient:        ErrTransient,
	KindConfiguration:    ErrConfiguration,
	KindOverloaded:       ErrOverloaded,
	KindInternal:         ErrInternal,
}

// Error is a kind-tagged error with operation context.
type Error struct {
	Kind     Kind
	Op       string // operation that failed, e.g. "jobs.create"
	TenantID string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.TenantID != "":
		return fmt.Sprintf("%s [tenant %s]: %v", e.Op, e.TenantID, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match both the bare-kind sentinels and wrapped errors.
func (e *Error) Is(target error) bool {
	if sentinel, ok := sentinelByKind[e.Kind]; ok && target == sentinel {
		return true
	}
	return errors.Is(e.Err, target)
}

// E wraps err with a kind and operation context.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTenant attaches the tenant to the error context.
func (e *Error) WithTenant(tenantID string) *Error {
	e.TenantID = tenantID
	return e
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Validationf builds a validation-kind error.
func Validationf(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// PermissionDeniedf builds a permission-denied error.
func PermissionDeniedf(format string, args ...any) *Error {
	return newf(KindPermissionDenied, format, args...)
}

// Conflictf builds a conflict error for refused state transitions.
func Conflictf(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// Transientf builds a retryable transient failure.
func Transientf(format string, args ...any) *Error { return newf(KindTransient, format, args...) }

// Configurationf builds a fail-fast configuration error.
func Configurationf(format string, args ...any) *Error {
	return newf(KindConfiguration, format, args...)
}

// Overloadedf builds a back-pressure rejection.
func Overloadedf(format string, args ...any) *Error { return newf(KindOverloaded, format, args...) }

// Internalf builds an unexpected internal error.
func Internalf(format string, args ...any) *Error { return newf(KindInternal, format, args...) }

// KindOf extracts the kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the orchestrator should retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Is re-exports errors.Is so call sites need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// New re-exports errors.New.
func New(text string) error { return errors.New(text) }
