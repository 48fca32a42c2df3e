package nucinstdig

import (
	"errors"
	"fmt"
)

// ErrTransportTimeout is returned (wrapped in a *TransportError) when a send or
// receive did not complete within the endpoint's timeout.
var ErrTransportTimeout = errors.New("transport timeout")

// ErrEmptyMessage is returned (wrapped in a *TransportError) when a receive
// produced a zero-length message.
var ErrEmptyMessage = errors.New("zero-length message")

// TransportError reports a failed operation on one endpoint.
type TransportError struct {
	Op      string // "send" or "recv"
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteCommandFailed is a well-formed error response from the instrument.
type RemoteCommandFailed struct {
	Request []byte
	Code    int
	Message string
}

func (e *RemoteCommandFailed) Error() string {
	return fmt.Sprintf("remote command %s failed with code %d: %s", e.Request, e.Code, e.Message)
}

// MalformedResponse is a reply that could not be understood.
type MalformedResponse struct {
	Response []byte
	Reason   string
}

func (e *MalformedResponse) Error() string {
	return fmt.Sprintf("malformed response %q: %s", e.Response, e.Reason)
}

// ConfigurationError reports a request with a bad shape, rejected before
// anything is sent to the instrument.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
