package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across protocols. Callers match with errors.Is.
var (
	// ErrConnectionFailed means the initial connection attempt failed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionLost means the peer disappeared after a successful connect.
	// Every outstanding request on the connection fails with this error.
	ErrConnectionLost = errors.New("connection lost")
	// ErrTimeout means a request did not complete within its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrInvalidCredentials means stored credentials could not be parsed or
	// were rejected by the device.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoCredentials means an operation requires pairing first.
	ErrNoCredentials = errors.New("no credentials")
	// ErrNotSupported means no connected protocol implements the operation.
	ErrNotSupported = errors.New("not supported")
	// ErrInvalidState means an operation was called in the wrong lifecycle
	// state; this indicates a caller bug and is always surfaced.
	ErrInvalidState = errors.New("invalid state")
	// ErrNoService means the device has no service for the requested protocol.
	ErrNoService = errors.New("no service")
	// ErrNoListener means an async operation was started without a listener.
	ErrNoListener = errors.New("no async listener")
	// ErrBackOff means the device asked us to slow down.
	ErrBackOff = errors.New("backed off")
	// ErrInvalidResponse means a peer response violated the protocol.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrInvalidDmapData means a DMAP payload could not be parsed.
	ErrInvalidDmapData = errors.New("invalid DMAP data")
)

// AuthenticationError is returned for 401/403 responses and failed verifies.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// PairingError is returned when a pair-setup or pair-verify exchange fails.
type PairingError struct {
	Step string // e.g. "M4"
	Err  error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing failed at %s: %v", e.Step, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

// ProtocolError is returned when a frame or message violates the schema.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ProtocolErrorf builds a ProtocolError with a formatted message.
func ProtocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// HTTPError is returned for unexpected HTTP/RTSP status codes.
type HTTPError struct {
	Code   int
	Status string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d %s", e.Code, e.Status)
}

// CommandError is returned when a device reports a non-zero send error for a
// remote command.
type CommandError struct {
	Command   string
	SendError uint64
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed with send error %d", e.Command, e.SendError)
}

// PlaybackError is returned when a streaming session fails.
type PlaybackError struct {
	Reason string
}

func (e *PlaybackError) Error() string { return "playback failed: " + e.Reason }
