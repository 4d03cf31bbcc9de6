// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when a message frame carries a network
	// magic value other than the one the codec was configured with.
	ErrBadMagic = errors.New("message from other network")

	// ErrChecksumMismatch is returned when the checksum in a message
	// frame header does not match the checksum computed over the payload
	// actually received.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")

	// ErrPayloadTooLarge is returned when a frame header declares a
	// payload length exceeding either the codec's configured maximum or
	// the maximum the specific message type permits. The check happens
	// before any length-proportional allocation.
	ErrPayloadTooLarge = errors.New("message payload is too large")
)

// MessageError describes an issue with a message. An example of some
// potential issues are messages from the wrong bitcoin network, invalid
// commands, mismatched checksums, and exceeding max payloads.
//
// This provides a mechanism for the caller to type assert the error to
// differentiate between general io errors such as io.EOF and issues that
// resulted from malformed messages.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
	Err         error  // Underlying framing error, if any
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// Unwrap returns the underlying framing error so that callers can match
// against the package sentinels with errors.Is.
func (e *MessageError) Unwrap() error {
	return e.Err
}

// messageError creates an error for the given function and description.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

// framingError creates an error for the given function wrapping one of the
// package's sentinel framing errors.
func framingError(f string, err error, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc, Err: err}
}
