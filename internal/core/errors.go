package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindTransient           ErrorKind = "transient"
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuthorizationDenied ErrorKind = "authorization_denied"
	KindNotFound            ErrorKind = "not_found"
	KindCancelled           ErrorKind = "cancelled"
)

// Terminal reports whether the failure must not be retried in this session.
func (k ErrorKind) Terminal() bool {
	return k == KindAuthorizationDenied || k == KindNotFound
}

// Sentinel errors matched through errors.Is.
var (
	ErrTransient           = errors.New("transient remote failure")
	ErrRateLimited         = errors.New("remote rate limit exceeded")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotFound            = errors.New("not found")
	ErrReauthRequired      = errors.New("re-authentication required")
)

// RemoteError carries the classification of a failed remote call.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *RemoteError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrAuthorizationDenied:
		return e.Kind == KindAuthorizationDenied
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// NewRemoteError builds a classified error.
func NewRemoteError(kind ErrorKind, status int, message string) *RemoteError {
	return &RemoteError{Kind: kind, StatusCode: status, Message: message}
}

// Classify maps any error onto the taxonomy. Unknown errors are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var remote *RemoteError
	if errors.As(err, &remote) && remote != nil && remote.Kind != KindNone {
		return remote.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrReauthRequired):
		return KindAuthorizationDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}
