package wireservice

import (
	"fmt"
	"net/http"
)

// AuthError is returned for 401 and 403 responses. A 401 from the edge proxy
// carries no usable body; a 403 carries a structured reason.
type AuthError struct {
	Status int
	Body   []byte
}

func (e *AuthError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("auth failed (status %d)", e.Status)
	}
	return fmt.Sprintf("auth failed (status %d): %s", e.Status, e.Body)
}

// HTTPError is any other 4xx/5xx response. The core never retries it.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// MismatchError is a 412 from the message endpoint: the sender's device list
// was stale. It is a partial-success signal, not a failure.
type MismatchError struct {
	Missing   MissingSet
	Redundant MissingSet
	Deleted   MissingSet
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("client mismatch: %d missing devices", len(e.Missing.Devices()))
}

// CryptoError wraps a failure from the crypto engine for a single device.
type CryptoError struct {
	Device DeviceAddress
	Op     string // "open_session", "encrypt" or "decrypt"
	Err    error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// statusError maps a non-2xx status to a typed error, or nil for 2xx.
func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status}
	case status == http.StatusForbidden:
		return &AuthError{Status: status, Body: body}
	case status >= 400:
		return &HTTPError{Status: status, Body: body}
	}
	return nil
}
