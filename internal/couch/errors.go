package couch

import (
	"errors"
	"fmt"
)

// RequestError is a transport-level failure talking to CouchDB: a network
// error, a non-2xx status or an undecodable response.
//
// Per-record fetch failures are non-fatal to an export run - the conflation
// engine logs them, skips the record and continues.
type RequestError struct {
	Method string
	URL    string
	Status int   // HTTP status when the server answered, 0 otherwise
	Err    error // underlying error, if any
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates a named resource (project, document) does not
// exist on the server.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsRequestError reports whether err is (or wraps) a transport failure.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
