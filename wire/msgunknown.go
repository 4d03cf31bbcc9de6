// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"
)

// MsgUnknown represents a frame-valid message whose command this package
// has no schema for. The magic, declared length, and checksum were all
// verified; only the payload interpretation is unknown. Callers typically
// log and skip these rather than treating them as protocol violations,
// since new gossip message types appear on the live network regularly.
type MsgUnknown struct {
	// Cmd is the command string carried in the frame header.
	Cmd string

	// Payload is the raw, checksum-verified payload.
	Payload []byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver. This is part of the Message interface implementation.
func (msg *MsgUnknown) BtcDecode(r io.Reader, pver uint32) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg.Payload = payload
	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgUnknown) BtcEncode(w io.Writer, pver uint32) error {
	_, err := w.Write(msg.Payload)
	return err
}

// Command returns the protocol command string for the message. This is part
// of the Message interface implementation.
func (msg *MsgUnknown) Command() string {
	return msg.Cmd
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the Message interface implementation.
func (msg *MsgUnknown) MaxPayloadLength(pver uint32) uint32 {
	return uint32(maxMessagePayload())
}
