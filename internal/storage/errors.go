package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure. No kind is retried by the engine.
type Kind int

const (
	// KindOther covers serialization failures, sink failures and anything
	// without a more specific kind.
	KindOther Kind = iota

	// KindTransactionTooOld is returned when the retention policy rejects a
	// transaction's timestamp.
	KindTransactionTooOld

	// KindStorageLimitExceeded is returned when the capacity policy rejects
	// further growth of a channel's history.
	KindStorageLimitExceeded
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransactionTooOld:
		return "transaction too old"
	case KindStorageLimitExceeded:
		return "storage limit exceeded"
	default:
		return "other"
	}
}

// Error is the typed failure returned by Engine operations.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := "storage: " + e.Kind.String()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrOther) holds for any
// *Error of KindOther.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Description == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTransactionTooOld    = &Error{Kind: KindTransactionTooOld}
	ErrStorageLimitExceeded = &Error{Kind: KindStorageLimitExceeded}
	ErrOther                = &Error{Kind: KindOther}
)

var (
	// ErrInvalidConfig indicates an engine configuration that cannot be used.
	ErrInvalidConfig = errors.New("storage: invalid config")

	// ErrRootMismatch indicates a history record whose embedded root does not
	// match the root of the records before it.
	ErrRootMismatch = errors.New("storage: root mismatch")

	// ErrUnknownChannel indicates a channel with no cold history.
	ErrUnknownChannel = errors.New("storage: unknown channel")
)

// KindOf returns the kind of err, or false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindOther, false
}

func newError(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// asStorageError keeps policy errors that already carry a kind and wraps
// anything else as KindOther.
func asStorageError(err error, description string) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return newError(KindOther, description, err)
}

func otherf(format string, args ...any) *Error {
	return newError(KindOther, fmt.Sprintf(format, args...), nil)
}
