package handbrake

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a command is sent while the port is closed.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on an open device.
	ErrAlreadyConnected = errors.New("already connected")
)

// OpenError reports that the serial port could not be claimed.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open serial port %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// WriteError reports that a command could not be transmitted.
type WriteError struct {
	Command Command
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to send command %q: %v", e.Command.Encode(), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DecodeError reports a received line that is not valid UTF-8.
type DecodeError struct {
	Line []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line is not valid UTF-8: %q", e.Line)
}

// ParseError reports a line with a known prefix whose value could not be parsed.
type ParseError struct {
	Kind  LineKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s line: %s: %v", e.Kind, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
