package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Gateway error classes. Every error returned by Client matches exactly one
// of them with errors.Is, except context cancellation.
var (
	// ErrNetwork means the gateway was unreachable or answered with a
	// non-success status.
	ErrNetwork = errors.New("gateway request failed")
	// ErrNotFound means the named file does not exist on the gateway.
	ErrNotFound = errors.New("file not found")
	// ErrMalformedResponse means the gateway answered with a payload that
	// could not be decoded or lacks required fields.
	ErrMalformedResponse = errors.New("malformed gateway response")
)

// StatusError is returned when the gateway answers with a non-success status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: gateway returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: gateway returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap maps the status onto the error classes.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrNetwork
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func malformed(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
}
