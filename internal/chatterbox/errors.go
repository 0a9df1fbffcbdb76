package chatterbox

import "errors"

var (
	// ErrConnection is returned when the device could not be reached or the
	// HTTP exchange failed before a body was parsed.
	ErrConnection = errors.New("chatterbox: connection error")

	// ErrProtocol is returned when the device answered but the response did
	// not have the expected shape.
	ErrProtocol = errors.New("chatterbox: protocol error")

	// ErrRange is returned for out-of-bounds offsets, lengths or values.
	// It is always raised before anything is sent to the device.
	ErrRange = errors.New("chatterbox: out of range")

	// ErrUnknownZone is returned when a zone name is not in the zone table.
	ErrUnknownZone = errors.New("chatterbox: unknown zone")

	// ErrInvalidArgument is returned for unknown modes and unusable values.
	ErrInvalidArgument = errors.New("chatterbox: invalid argument")

	// ErrNotImplemented is returned by operations the protocol client does not support.
	ErrNotImplemented = errors.New("chatterbox: not implemented")
)
