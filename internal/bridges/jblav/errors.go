package jblav

import (
	"errors"
	"fmt"
)

// Domain errors for the JBL AV bridge package.
var (
	// ErrNotConnected is returned when a command is sent without a live session.
	ErrNotConnected = errors.New("jblav: not connected to receiver")

	// ErrConnectionFailed is returned when the TCP connection cannot be opened.
	ErrConnectionFailed = errors.New("jblav: connection to receiver failed")

	// ErrPeerClosed is returned when the receiver closes the connection.
	ErrPeerClosed = errors.New("jblav: connection closed by receiver")

	// ErrSessionClosed is returned when a closed session is reused.
	ErrSessionClosed = errors.New("jblav: session closed")

	// ErrMalformedFrame is returned when an inbound frame fails structural checks.
	ErrMalformedFrame = errors.New("jblav: malformed frame")

	// ErrInvalidCommand is returned when a command cannot be encoded.
	ErrInvalidCommand = errors.New("jblav: invalid command")

	// ErrOutOfRange is returned when a parameter is outside its allowed span.
	ErrOutOfRange = errors.New("jblav: value out of range")

	// ErrSendFailed is returned when writing a command to the socket fails.
	ErrSendFailed = errors.New("jblav: command send failed")

	// ErrDeviceError matches any DeviceError via errors.Is.
	ErrDeviceError = errors.New("jblav: receiver reported error")
)

// DeviceError is a reply frame whose result code is not success.
type DeviceError struct {
	Opcode     Opcode
	ResultCode byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("jblav: receiver reported error 0x%02X for %s", e.ResultCode, e.Opcode)
}

// Is reports whether target is ErrDeviceError.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceError
}
