package nina

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a fetch failure for counting and retry decisions.
type ErrorKind int

const (
	ErrTransport ErrorKind = iota
	ErrHTTPStatus
	ErrTimeout
	ErrParse
	ErrEmpty
)

// String returns the counter label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrHTTPStatus:
		return "http_status"
	case ErrTimeout:
		return "timeout"
	case ErrParse:
		return "parse"
	case ErrEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// FetchError is a typed failure from one endpoint fetch.
type FetchError struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Endpoint, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Endpoint, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to transport for untyped errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrTransport
}

func newFetchError(kind ErrorKind, endpoint string, err error) *FetchError {
	return &FetchError{Kind: kind, Endpoint: endpoint, Err: err}
}
