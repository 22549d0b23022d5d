// Package errs defines the error taxonomy shared across the service.
// Handlers and services wrap causes with these types so that transport
// layers can map them to status codes without string matching.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// InputError marks invalid caller-supplied data (empty query, malformed
// patient id). Maps to HTTP 400.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// Inputf builds an InputError with a formatted message.
func Inputf(format string, args ...interface{}) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// ConfigurationError marks missing or invalid configuration. Fatal at
// startup; never produced after initialization.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// Configf builds a ConfigurationError with a formatted message.
func Configf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DependencyUnavailable marks an upstream (embedding service, FHIR server,
// database, LLM) that could not be reached after the retry policy was
// exhausted. Maps to HTTP 503 when no downgrade applies.
type DependencyUnavailable struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailable) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Dependency)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailable) Unwrap() error { return e.Err }

// Unavailable wraps err as a DependencyUnavailable for the named dependency.
func Unavailable(dependency string, err error) error {
	return &DependencyUnavailable{Dependency: dependency, Err: err}
}

// DataError marks a malformed single record (unreadable DICOM header, vector
// dimension mismatch). Logged and counted by the caller; never aborts a batch.
type DataError struct {
	Msg string
	Err error
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// Dataf builds a DataError wrapping err.
func Dataf(err error, format string, args ...interface{}) error {
	return &DataError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsInput reports whether err is an InputError.
func IsInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// IsUnavailable reports whether err is a DependencyUnavailable.
func IsUnavailable(err error) bool {
	var de *DependencyUnavailable
	return errors.As(err, &de)
}

// IsData reports whether err is a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// HTTPStatus maps an error to the HTTP status code the chat API returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInput(err):
		return http.StatusBadRequest
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
