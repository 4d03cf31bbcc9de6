// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testNetAddress returns a NetAddress suitable for round-trip comparisons.
// The timestamp is truncated to second precision since that is all the wire
// format carries.
func testNetAddress() *NetAddress {
	return NewNetAddressTimestamp(
		time.Unix(0x495fab29, 0), SFNodeNetwork,
		net.ParseIP("127.0.0.1").To16(), 8333,
	)
}

// testMessages returns one populated instance of every supported message
// schema.
func testMessages(t *testing.T) []Message {
	t.Helper()

	na := testNetAddress()

	// Addresses inside a version message are encoded without their
	// timestamp, so the expected value must carry a zero timestamp for
	// the round trip to compare equal.
	verNA := &NetAddress{
		Services: na.Services,
		IP:       na.IP,
		Port:     na.Port,
	}
	verMsg := NewMsgVersion(verNA, verNA, 0x1f2e3d4c5b6a7988, 841000)
	verMsg.Services = SFNodeNetwork | SFNodeWitness
	verMsg.DisableRelayTx = true

	addrMsg := NewMsgAddr()
	require.NoError(t, addrMsg.AddAddress(na))
	onionIP, err := ParseOnionHost("expyuzz4wqqyqhjn.onion")
	require.NoError(t, err)
	require.NoError(t, addrMsg.AddAddress(NewNetAddressTimestamp(
		time.Unix(0x495fab29, 0), SFNodeNetwork, onionIP, 8333,
	)))

	invMsg := NewMsgInv()
	hash, err := chainhash.NewHashFromStr("dead0123beef")
	require.NoError(t, err)
	require.NoError(t, invMsg.AddInvVect(NewInvVect(InvTypeTx, hash)))
	require.NoError(t, invMsg.AddInvVect(NewInvVect(InvTypeBlock, hash)))

	rejectMsg := NewMsgReject(CmdVersion, RejectDuplicate, "duplicate version")

	return []Message{
		verMsg,
		NewMsgVerAck(),
		NewMsgPing(0x1234567890abcdef),
		NewMsgPong(0x1234567890abcdef),
		NewMsgGetAddr(),
		addrMsg,
		invMsg,
		NewMsgMemPool(),
		rejectMsg,
	}
}

// TestMessageRoundTrip ensures decode(encode(x)) == x for every supported
// payload schema.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	for _, msg := range testMessages(t) {
		msg := msg
		t.Run(msg.Command(), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
			require.NoError(t, err)

			decoded, payload, err := ReadMessage(
				&buf, ProtocolVersion, MainNet,
				DefaultMaxPayload,
			)
			require.NoError(t, err)
			require.Equal(t, msg, decoded)

			// The raw payload must hash to the checksum that was
			// accepted.
			require.LessOrEqual(t, len(payload), DefaultMaxPayload)
		})
	}
}

// TestMessageRoundTripRapid exercises version and addr round-trips across
// randomized field values.
func TestMessageRoundTripRapid(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		// No timestamp: version-message addresses omit it on the wire.
		na := &NetAddress{
			Services: ServiceFlag(rapid.Uint64().Draw(rt, "services")),
			IP: net.IPv4(
				rapid.Byte().Draw(rt, "a"),
				rapid.Byte().Draw(rt, "b"),
				rapid.Byte().Draw(rt, "c"),
				rapid.Byte().Draw(rt, "d"),
			).To16(),
			Port: rapid.Uint16().Draw(rt, "port"),
		}

		msg := NewMsgVersion(
			na, na,
			rapid.Uint64().Draw(rt, "nonce"),
			rapid.Int32Range(0, 1<<30).Draw(rt, "height"),
		)
		msg.UserAgent = rapid.StringMatching(`/[a-zA-Z0-9.:]{0,64}/`).
			Draw(rt, "ua")
		msg.Services = na.Services
		msg.DisableRelayTx = rapid.Bool().Draw(rt, "norelay")

		var buf bytes.Buffer
		err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
		require.NoError(t, err)

		decoded, _, err := ReadMessage(
			&buf, ProtocolVersion, MainNet, DefaultMaxPayload,
		)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	})
}

// TestReadMessageBadMagic ensures a frame from another network fails with
// ErrBadMagic.
func TestReadMessageBadMagic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteMessage(&buf, NewMsgVerAck(), ProtocolVersion, TestNet3)
	require.NoError(t, err)

	_, _, err = ReadMessage(&buf, ProtocolVersion, MainNet, DefaultMaxPayload)
	require.ErrorIs(t, err, ErrBadMagic)

	var msgErr *MessageError
	require.ErrorAs(t, err, &msgErr)
}

// TestReadMessageChecksumMismatch ensures a single corrupted checksum byte
// fails decoding with ErrChecksumMismatch rather than crashing or silently
// succeeding.
func TestReadMessageChecksumMismatch(t *testing.T) {
	t.Parallel()

	for _, msg := range testMessages(t) {
		var buf bytes.Buffer
		err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
		require.NoError(t, err)

		// Corrupt one byte of the checksum field (bytes 20-23 of the
		// header).
		raw := buf.Bytes()
		raw[20] ^= 0xff

		_, _, err = ReadMessage(
			bytes.NewReader(raw), ProtocolVersion, MainNet,
			DefaultMaxPayload,
		)

		// Empty-payload messages corrupt the same way; the checksum
		// covers zero bytes but is still verified.
		require.ErrorIs(t, err, ErrChecksumMismatch,
			"command %s", msg.Command())
	}
}

// TestReadMessagePayloadCorruption ensures a corrupted payload byte flips
// the computed checksum and is rejected.
func TestReadMessagePayloadCorruption(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteMessage(
		&buf, NewMsgPing(0xdeadbeef), ProtocolVersion, MainNet,
	)
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[MessageHeaderSize] ^= 0x01

	_, _, err = ReadMessage(
		bytes.NewReader(raw), ProtocolVersion, MainNet,
		DefaultMaxPayload,
	)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestReadMessageOversizedClaim ensures a header declaring a payload larger
// than the configured ceiling fails before any payload is read.
func TestReadMessageOversizedClaim(t *testing.T) {
	t.Parallel()

	// Hand-build a header claiming a huge payload. No payload bytes
	// follow; decoding must fail on the declared length alone.
	var buf bytes.Buffer
	var command [CommandSize]byte
	copy(command[:], CmdAddr)
	err := writeElements(
		&buf, MainNet, command, uint32(1024*1024), [4]byte{},
	)
	require.NoError(t, err)

	_, _, err = ReadMessage(
		bytes.NewReader(buf.Bytes()), ProtocolVersion, MainNet,
		1024, // 1KB ceiling
	)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestReadMessagePerTypeSizeLimit ensures the per-message payload ceiling is
// enforced even when the codec-wide ceiling would admit the frame.
func TestReadMessagePerTypeSizeLimit(t *testing.T) {
	t.Parallel()

	// A ping payload can never legitimately exceed 8 bytes.
	var buf bytes.Buffer
	var command [CommandSize]byte
	copy(command[:], CmdPing)
	payload := make([]byte, 100)
	var checksum [4]byte
	copy(checksum[:], chainhash.DoubleHashB(payload)[0:4])
	err := writeElements(
		&buf, MainNet, command, uint32(len(payload)), checksum,
	)
	require.NoError(t, err)
	buf.Write(payload)

	_, _, err = ReadMessage(
		bytes.NewReader(buf.Bytes()), ProtocolVersion, MainNet,
		DefaultMaxPayload,
	)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestReadMessageTruncated ensures short reads surface as unexpected EOF
// conditions rather than hangs or panics.
func TestReadMessageTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteMessage(
		&buf, NewMsgPing(0xdeadbeef), ProtocolVersion, MainNet,
	)
	require.NoError(t, err)
	raw := buf.Bytes()

	// Truncate at every possible boundary.
	for cut := 0; cut < len(raw); cut++ {
		_, _, err := ReadMessage(
			bytes.NewReader(raw[:cut]), ProtocolVersion, MainNet,
			DefaultMaxPayload,
		)
		require.Error(t, err, "cut %d", cut)
		require.True(t,
			errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrUnexpectedEOF),
			"cut %d: %v", cut, err)
	}
}

// TestReadMessageUnknownCommand ensures a frame-valid message with an
// unrecognized command decodes structurally into a MsgUnknown instead of
// failing.
func TestReadMessageUnknownCommand(t *testing.T) {
	t.Parallel()

	payload := []byte{0x01, 0x02, 0x03}
	var command [CommandSize]byte
	copy(command[:], "sendheaders2")
	var checksum [4]byte
	copy(checksum[:], chainhash.DoubleHashB(payload)[0:4])

	var buf bytes.Buffer
	err := writeElements(
		&buf, MainNet, command, uint32(len(payload)), checksum,
	)
	require.NoError(t, err)
	buf.Write(payload)

	msg, raw, err := ReadMessage(
		bytes.NewReader(buf.Bytes()), ProtocolVersion, MainNet,
		DefaultMaxPayload,
	)
	require.NoError(t, err)
	require.Equal(t, payload, raw)

	unknown, ok := msg.(*MsgUnknown)
	require.True(t, ok)
	require.Equal(t, "sendheaders2", unknown.Cmd)
	require.Equal(t, payload, unknown.Payload)

	// A corrupted checksum on an unknown command is still a framing
	// error.
	rawFrame := buf.Bytes()
	rawFrame[20] ^= 0xff
	_, _, err = ReadMessage(
		bytes.NewReader(rawFrame), ProtocolVersion, MainNet,
		DefaultMaxPayload,
	)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestMsgAddrTooMany ensures an addr message declaring more than the schema
// maximum fails decode.
func TestMsgAddrTooMany(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteVarInt(&buf, ProtocolVersion, MaxAddrPerMsg+1)
	require.NoError(t, err)

	msg := NewMsgAddr()
	err = msg.BtcDecode(&buf, ProtocolVersion)
	require.Error(t, err)

	var msgErr *MessageError
	require.ErrorAs(t, err, &msgErr)
}

// TestMsgVersionMinimal ensures the optional trailing fields of a version
// message remain optional on decode, as older peers omit them.
func TestMsgVersionMinimal(t *testing.T) {
	t.Parallel()

	na := testNetAddress()

	// Encode only the mandatory prefix of the version payload: version,
	// services, timestamp, and the receiver address.
	var payload bytes.Buffer
	err := writeElements(
		&payload, int32(60002), SFNodeNetwork, int64(0x495fab29),
	)
	require.NoError(t, err)
	require.NoError(t, writeNetAddress(
		&payload, ProtocolVersion, na, false,
	))

	msg := &MsgVersion{}
	err = msg.BtcDecode(
		bytes.NewBuffer(payload.Bytes()), ProtocolVersion,
	)
	require.NoError(t, err)
	require.Equal(t, int32(60002), msg.ProtocolVersion)
	require.Equal(t, "", msg.UserAgent)
	require.Equal(t, int32(0), msg.LastBlock)
	require.False(t, msg.DisableRelayTx)
}
