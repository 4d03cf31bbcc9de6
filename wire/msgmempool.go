// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"
)

// MsgMemPool implements the Message interface and represents a bitcoin
// mempool message. It is used to request a list of transactions still in
// the active memory pool of a relay. The crawler sends it purely to
// solicit inv gossip, never to fetch the transactions themselves.
//
// This message has no payload.
type MsgMemPool struct{}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver. This is part of the Message interface implementation.
func (msg *MsgMemPool) BtcDecode(r io.Reader, pver uint32) error {
	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMemPool) BtcEncode(w io.Writer, pver uint32) error {
	return nil
}

// Command returns the protocol command string for the message. This is part
// of the Message interface implementation.
func (msg *MsgMemPool) Command() string {
	return CmdMemPool
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the Message interface implementation.
func (msg *MsgMemPool) MaxPayloadLength(pver uint32) uint32 {
	return 0
}

// NewMsgMemPool returns a new bitcoin mempool message that conforms to the
// Message interface.
func NewMsgMemPool() *MsgMemPool {
	return &MsgMemPool{}
}
