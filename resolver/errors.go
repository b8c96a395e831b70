package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// RejectedError indicates the server answered every candidate with a non-200 status.
// The operator fixes this by changing canonicalization mode, key, or window.
type RejectedError struct {
	Candidates int
	LastStatus int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("authentication rejected for all %d candidate timestamps (last status %d)", e.Candidates, e.LastStatus)
}

// IsRejected checks if an error is an authentication rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// TransportError indicates a request never produced an HTTP response
// (timeout, DNS, TLS, connection refused). The URL has its token redacted.
type TransportError struct {
	URL string
	Msg string // Redacted text of Err
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s: %s", e.URL, e.Msg)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport checks if an error is a transport failure.
func IsTransport(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}

// ConfigError indicates required parameters are missing; no request was made.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

// IsConfig checks if an error is a configuration error.
func IsConfig(err error) bool {
	var cfg *ConfigError
	return errors.As(err, &cfg)
}

// MalformedError indicates an accepted (HTTP 200) response whose body could
// not be decoded. Authentication succeeded; the payload shape did not.
type MalformedError struct {
	Endpoint string
	Err      error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Endpoint, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed checks if an error is a malformed-response error.
func IsMalformed(err error) bool {
	var malformed *MalformedError
	return errors.As(err, &malformed)
}
