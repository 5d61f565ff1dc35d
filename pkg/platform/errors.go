// Copyright 2024-2026 Aiku AI

package platform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a platform failure.
type ErrorKind int

const (
	// KindTransient covers any failure that only affects the current call.
	KindTransient ErrorKind = iota
	// KindIdentityRejected means the platform revoked or froze the account.
	KindIdentityRejected
	// KindNotFound means the referenced object does not exist.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindIdentityRejected:
		return "identity_rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Sentinels matched by [*Error.Is].
var (
	ErrTransient        = errors.New("transient platform failure")
	ErrIdentityRejected = errors.New("identity rejected by platform")
	ErrNotFound         = errors.New("not found on platform")
)

// Error is a classified platform failure.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// NewError wraps err with the given operation and classification. A nil err
// yields nil.
func NewError(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrIdentityRejected:
		return e.Kind == KindIdentityRejected
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// KindOf returns the classification of err, defaulting to KindTransient for
// errors that were not produced by an adapter.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsIdentityRejected is shorthand for errors.Is(err, ErrIdentityRejected).
func IsIdentityRejected(err error) bool {
	return errors.Is(err, ErrIdentityRejected)
}
