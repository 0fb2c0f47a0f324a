// Package errs defines the storage error taxonomy. Every failure that
// crosses a service boundary carries a Kind plus a human-readable message;
// the transport layer maps kinds to its own status codes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalid          Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindIntegrity        Kind = "integrity"
	KindCapacity         Kind = "capacity"
	KindBackupIncomplete Kind = "backup_incomplete"
	KindPermissionDenied Kind = "permission_denied"
	KindInternal         Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, errs.ErrNotFound)
// works for any not-found failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrIntegrity        = &Error{Kind: KindIntegrity}
	ErrCapacity         = &Error{Kind: KindCapacity}
	ErrBackupIncomplete = &Error{Kind: KindBackupIncomplete}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrInvalid          = &Error{Kind: KindInvalid}
)

func newError(kind Kind, code int, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	if code == 0 {
		code = defaultCodeByKind(kind)
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

func Invalid(err error) error {
	return newError(KindInvalid, CodeInvalidArgument, err)
}

func InvalidCode(err error, code int) error {
	return newError(KindInvalid, code, err)
}

func Invalidf(format string, args ...any) error {
	return Invalid(fmt.Errorf(format, args...))
}

func NotFound(err error, code int) error {
	return newError(KindNotFound, code, err)
}

func NotFoundf(code int, format string, args ...any) error {
	return NotFound(fmt.Errorf(format, args...), code)
}

func Conflict(err error, code int) error {
	return newError(KindConflict, code, err)
}

func Integrity(err error) error {
	return newError(KindIntegrity, CodeIntegrity, err)
}

func Capacity(err error) error {
	return newError(KindCapacity, CodeCapacity, err)
}

func BackupIncomplete(err error) error {
	return newError(KindBackupIncomplete, CodeBackupIncomplete, err)
}

func PermissionDenied(err error, code int) error {
	return newError(KindPermissionDenied, code, err)
}

func Internal(err error) error {
	return newError(KindInternal, CodeInternal, err)
}

func StoreFailure(err error) error {
	return newError(KindInternal, CodeStoreFailure, err)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the numeric code of err.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Code > 0 {
		return e.Code
	}
	return defaultCodeByKind(KindOf(err))
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
