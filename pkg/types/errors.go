package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	ErrorKindTransport       ErrorKind = "transport"
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
	ErrorKindAuth            ErrorKind = "auth"
)

var (
	ErrTransport       = errors.New("transport error")
	ErrInvalidResponse = errors.New("invalid response")
	ErrAuth            = errors.New("authentication failed")
)

// FetchError is returned by every analytics request. It matches the sentinel
// of its kind with errors.Is.
type FetchError struct {
	Kind ErrorKind
	// Op names the collection or endpoint that failed.
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.sentinel(), e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *FetchError) sentinel() error {
	switch e.Kind {
	case ErrorKindAuth:
		return ErrAuth
	case ErrorKindInvalidResponse:
		return ErrInvalidResponse
	default:
		return ErrTransport
	}
}

// KindOf returns the kind of a fetch error. Errors that are not fetch errors
// are reported as transport errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrAuth):
		return ErrorKindAuth
	case errors.Is(err, ErrInvalidResponse):
		return ErrorKindInvalidResponse
	}
	return ErrorKindTransport
}

// FetchFailure is the failure reported to consumers alongside the last good
// snapshot.
type FetchFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	// Terminal is set for failures that stop polling, i.e. rejected
	// credentials.
	Terminal bool `json:"terminal"`
}
