// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MessageHeaderSize is the number of bytes in a bitcoin message header.
// Bitcoin network (magic) 4 bytes + command 12 bytes + payload length 4
// bytes + checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common bitcoin
// message header. Shorter commands must be zero padded.
const CommandSize = 12

// maxMessagePayload returns the absolute maximum payload size a message can
// declare, independent of the per-message and per-codec limits. It caps the
// size of buffers allocated while reading variable length fields.
func maxMessagePayload() uint64 {
	return 1024 * 1024 * 32 // 32MB
}

// DefaultMaxPayload is the payload ceiling a reader enforces when the caller
// does not configure its own. Crawling only ever exchanges handshake,
// address, and inventory traffic, so the default is far below the consensus
// message limit.
const DefaultMaxPayload = 1024 * 1024 * 4 // 4MB

// Commands used in bitcoin message headers which describe the type of
// message.
const (
	CmdVersion = "version"
	CmdVerAck  = "verack"
	CmdPing    = "ping"
	CmdPong    = "pong"
	CmdGetAddr = "getaddr"
	CmdAddr    = "addr"
	CmdInv     = "inv"
	CmdMemPool = "mempool"
	CmdReject  = "reject"
)

// Message is an interface that describes a bitcoin message. A type that
// implements Message has complete control over the representation of its
// data and may therefore contain additional or fewer fields than those
// which are used directly in the protocol encoded message.
type Message interface {
	BtcDecode(io.Reader, uint32) error
	BtcEncode(io.Writer, uint32) error
	Command() string
	MaxPayloadLength(uint32) uint32
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command. Commands this package has no schema for return nil with
// no error; the caller decides how to surface them.
func makeEmptyMessage(command string) Message {
	switch command {
	case CmdVersion:
		return &MsgVersion{}

	case CmdVerAck:
		return &MsgVerAck{}

	case CmdPing:
		return &MsgPing{}

	case CmdPong:
		return &MsgPong{}

	case CmdGetAddr:
		return &MsgGetAddr{}

	case CmdAddr:
		return &MsgAddr{}

	case CmdInv:
		return &MsgInv{}

	case CmdMemPool:
		return &MsgMemPool{}

	case CmdReject:
		return &MsgReject{}
	}

	return nil
}

// messageHeader defines the header structure for all bitcoin protocol
// messages.
type messageHeader struct {
	magic    BitcoinNet // 4 bytes
	command  string     // 12 bytes
	length   uint32     // 4 bytes
	checksum [4]byte    // 4 bytes
}

// readMessageHeader reads a bitcoin message header from r.
func readMessageHeader(r io.Reader) (*messageHeader, error) {
	// Since readElement requires multiple reads to decode the header and
	// the header is a fixed size, read the full header bytes up front so
	// a short read surfaces as a single truncation error.
	var headerBytes [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
		return nil, err
	}
	hr := bytes.NewReader(headerBytes[:])

	hdr := messageHeader{}
	var command [CommandSize]byte
	err := readElements(hr, &hdr.magic, &command, &hdr.length,
		&hdr.checksum)
	if err != nil {
		return nil, err
	}

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command[:], "\x00"))

	return &hdr, nil
}

// discardInput reads n bytes from reader r in chunks and discards the read
// bytes. This is used to skip payloads when various errors occur and helps
// prevent rogue nodes from causing massive memory allocation through
// forging header length.
func discardInput(r io.Reader, n uint32) {
	maxSize := uint32(10 * 1024) // 10k at a time
	numReads := n / maxSize
	bytesRemaining := n % maxSize
	if n > 0 {
		buf := make([]byte, maxSize)
		for i := uint32(0); i < numReads; i++ {
			io.ReadFull(r, buf)
		}
	}
	if bytesRemaining > 0 {
		buf := make([]byte, bytesRemaining)
		io.ReadFull(r, buf)
	}
}

// WriteMessage writes a bitcoin Message to w including the necessary header
// information.
func WriteMessage(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) error {
	// Enforce max command size.
	var command [CommandSize]byte
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			cmd, CommandSize)
		return messageError("WriteMessage", str)
	}
	copy(command[:], cmd)

	// Encode the message payload.
	var bw bytes.Buffer
	err := msg.BtcEncode(&bw, pver)
	if err != nil {
		return err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if uint64(lenp) > maxMessagePayload() {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, maxMessagePayload())
		return framingError("WriteMessage", ErrPayloadTooLarge, str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d", lenp, cmd, mpl)
		return framingError("WriteMessage", ErrPayloadTooLarge, str)
	}

	// Create header for the message.
	hdr := messageHeader{}
	hdr.magic = btcnet
	hdr.command = cmd
	hdr.length = uint32(lenp)
	copy(hdr.checksum[:], chainhash.DoubleHashB(payload)[0:4])

	// Encode the header for the message. This is done to a buffer rather
	// than directly to the writer since writeElements doesn't return the
	// number of bytes written.
	hw := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize))
	err = writeElements(hw, hdr.magic, command, hdr.length, hdr.checksum)
	if err != nil {
		return err
	}

	// Write header.
	if _, err := w.Write(hw.Bytes()); err != nil {
		return err
	}

	// Only write the payload if there is one, e.g., verack messages don't
	// have one.
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads, validates, and parses the next bitcoin Message from r.
// It validates the declared payload length against maxPayload before
// allocating anything proportional to it, so a hostile peer cannot force a
// large allocation with a forged header. Commands without a known schema
// are frame-validated (magic, length bound, checksum) and returned as a
// *MsgUnknown rather than an error. The raw payload bytes are returned in
// addition to the parsed Message.
func ReadMessage(r io.Reader, pver uint32, btcnet BitcoinNet,
	maxPayload uint32) (Message, []byte, error) {

	hdr, err := readMessageHeader(r)
	if err != nil {
		return nil, nil, err
	}

	// Check for messages from the wrong bitcoin network.
	if hdr.magic != btcnet {
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return nil, nil, framingError("ReadMessage", ErrBadMagic, str)
	}

	// Enforce the caller's payload ceiling before any allocation sized
	// from the untrusted length field.
	if uint64(hdr.length) > maxMessagePayload() || hdr.length > maxPayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes", hdr.length, maxPayload)
		return nil, nil, framingError("ReadMessage", ErrPayloadTooLarge, str)
	}

	// Check for malformed commands.
	command := hdr.command
	if !utf8.ValidString(command) {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return nil, nil, messageError("ReadMessage", str)
	}

	// Create struct of appropriate message type based on the command.
	// Unknown commands stay structural: the frame is still validated and
	// the payload handed back opaque.
	msg := makeEmptyMessage(command)
	if msg != nil {
		// Check for maximum length based on the message type as a
		// malicious client could otherwise create a well-formed
		// header and set the length to max numbers in order to
		// exhaust the machine's memory.
		mpl := msg.MaxPayloadLength(pver)
		if hdr.length > mpl {
			discardInput(r, hdr.length)
			str := fmt.Sprintf("payload exceeds max length - "+
				"header indicates %v bytes, but max payload "+
				"size for messages of type [%v] is %v",
				hdr.length, command, mpl)
			return nil, nil, framingError("ReadMessage",
				ErrPayloadTooLarge, str)
		}
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %v, but actual checksum is %v",
			hdr.checksum, checksum)
		return nil, nil, framingError("ReadMessage",
			ErrChecksumMismatch, str)
	}

	if msg == nil {
		return &MsgUnknown{Cmd: command, Payload: payload}, payload, nil
	}

	// Unmarshal message.
	pr := bytes.NewBuffer(payload)
	err = msg.BtcDecode(pr, pver)
	if err != nil {
		return nil, nil, err
	}

	return msg, payload, nil
}
