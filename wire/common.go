// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	// MaxVarIntPayload is the maximum payload size for a variable length
	// integer.
	MaxVarIntPayload = 9
)

var (
	// littleEndian is a convenience variable since binary.LittleEndian is
	// quite long.
	littleEndian = binary.LittleEndian

	// bigEndian is a convenience variable since binary.BigEndian is quite
	// long.
	bigEndian = binary.BigEndian
)

// readElement reads the next sequence of bytes from r using little endian
// depending on the concrete type of element pointed to.
func readElement(r io.Reader, element interface{}) error {
	// Attempt to read the element based on the concrete type via fast
	// type assertions first.
	switch e := element.(type) {
	case *int32:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = int32(rv)
		return nil

	case *uint32:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = rv
		return nil

	case *int64:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = int64(rv)
		return nil

	case *uint64:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = rv
		return nil

	case *bool:
		rv, err := binarySerializer.Uint8(r)
		if err != nil {
			return err
		}
		*e = rv != 0x00
		return nil

	// Unix timestamp encoded as a uint32.
	case *uint32Time:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = uint32Time(time.Unix(int64(rv), 0))
		return nil

	// Unix timestamp encoded as an int64.
	case *int64Time:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = int64Time(time.Unix(int64(rv), 0))
		return nil

	case *ServiceFlag:
		rv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return err
		}
		*e = ServiceFlag(rv)
		return nil

	case *InvType:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = InvType(rv)
		return nil

	case *BitcoinNet:
		rv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return err
		}
		*e = BitcoinNet(rv)
		return nil

	case *RejectCode:
		rv, err := binarySerializer.Uint8(r)
		if err != nil {
			return err
		}
		*e = RejectCode(rv)
		return nil

	case *[4]byte:
		_, err := io.ReadFull(r, e[:])
		return err

	case *[16]byte:
		_, err := io.ReadFull(r, e[:])
		return err

	case *[32]byte:
		_, err := io.ReadFull(r, e[:])
		return err
	}

	// Fall back to the slower binary.Read if a fast path was not
	// available above.
	return binary.Read(r, littleEndian, element)
}

// readElements reads multiple items from r. It is equivalent to multiple
// calls to readElement.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := readElement(r, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// writeElement writes the little endian representation of element to w.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case int32:
		return binarySerializer.PutUint32(w, littleEndian, uint32(e))

	case uint32:
		return binarySerializer.PutUint32(w, littleEndian, e)

	case int64:
		return binarySerializer.PutUint64(w, littleEndian, uint64(e))

	case uint64:
		return binarySerializer.PutUint64(w, littleEndian, e)

	case bool:
		var b uint8
		if e {
			b = 0x01
		}
		return binarySerializer.PutUint8(w, b)

	case uint32Time:
		t := time.Time(e).Unix()
		return binarySerializer.PutUint32(w, littleEndian, uint32(t))

	case int64Time:
		t := time.Time(e).Unix()
		return binarySerializer.PutUint64(w, littleEndian, uint64(t))

	case ServiceFlag:
		return binarySerializer.PutUint64(w, littleEndian, uint64(e))

	case InvType:
		return binarySerializer.PutUint32(w, littleEndian, uint32(e))

	case BitcoinNet:
		return binarySerializer.PutUint32(w, littleEndian, uint32(e))

	case RejectCode:
		return binarySerializer.PutUint8(w, uint8(e))

	case [4]byte:
		_, err := w.Write(e[:])
		return err

	case [16]byte:
		_, err := w.Write(e[:])
		return err

	case [32]byte:
		_, err := w.Write(e[:])
		return err
	}

	return binary.Write(w, littleEndian, element)
}

// writeElements writes multiple items to w. It is equivalent to multiple
// calls to writeElement.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		err := writeElement(w, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// uint32Time represents a unix timestamp encoded with a uint32. It is used
// as a way to signal the readElement function how to decode a timestamp
// into a Go time.Time since it is otherwise ambiguous.
type uint32Time time.Time

// int64Time represents a unix timestamp encoded with an int64. It is used
// as a way to signal the readElement function how to decode a timestamp
// into a Go time.Time since it is otherwise ambiguous.
type int64Time time.Time

// binaryFreeList provides a free list of buffers to use for serializing and
// deserializing primitive integers. A trimmed-down version of the btcd
// serializer that keeps a single scratch array per call.
type binaryFreeList struct{}

// binarySerializer provides the integer read/write primitives used
// throughout the package.
var binarySerializer binaryFreeList

// Uint8 reads a single byte from the provided reader.
func (binaryFreeList) Uint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Uint16 reads two bytes from the provided reader using the given byte
// order.
func (binaryFreeList) Uint16(r io.Reader, byteOrder binary.ByteOrder) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf[:]), nil
}

// Uint32 reads four bytes from the provided reader using the given byte
// order.
func (binaryFreeList) Uint32(r io.Reader, byteOrder binary.ByteOrder) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

// Uint64 reads eight bytes from the provided reader using the given byte
// order.
func (binaryFreeList) Uint64(r io.Reader, byteOrder binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

// PutUint8 writes the provided uint8 to the given writer.
func (binaryFreeList) PutUint8(w io.Writer, val uint8) error {
	buf := [1]byte{val}
	_, err := w.Write(buf[:])
	return err
}

// PutUint16 writes the provided uint16 to the given writer using the given
// byte order.
func (binaryFreeList) PutUint16(w io.Writer, byteOrder binary.ByteOrder, val uint16) error {
	var buf [2]byte
	byteOrder.PutUint16(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

// PutUint32 writes the provided uint32 to the given writer using the given
// byte order.
func (binaryFreeList) PutUint32(w io.Writer, byteOrder binary.ByteOrder, val uint32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

// PutUint64 writes the provided uint64 to the given writer using the given
// byte order.
func (binaryFreeList) PutUint64(w io.Writer, byteOrder binary.ByteOrder, val uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

// ReadVarInt reads a variable length integer from r and returns it as a
// uint64.
func ReadVarInt(r io.Reader, pver uint32) (uint64, error) {
	discriminant, err := binarySerializer.Uint8(r)
	if err != nil {
		return 0, err
	}

	var rv uint64
	switch discriminant {
	case 0xff:
		sv, err := binarySerializer.Uint64(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = sv

	case 0xfe:
		sv, err := binarySerializer.Uint32(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

	case 0xfd:
		sv, err := binarySerializer.Uint16(r, littleEndian)
		if err != nil {
			return 0, err
		}
		rv = uint64(sv)

	default:
		rv = uint64(discriminant)
	}

	return rv, nil
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, pver uint32, val uint64) error {
	if val < 0xfd {
		return binarySerializer.PutUint8(w, uint8(val))
	}

	if val <= math.MaxUint16 {
		err := binarySerializer.PutUint8(w, 0xfd)
		if err != nil {
			return err
		}
		return binarySerializer.PutUint16(w, littleEndian, uint16(val))
	}

	if val <= math.MaxUint32 {
		err := binarySerializer.PutUint8(w, 0xfe)
		if err != nil {
			return err
		}
		return binarySerializer.PutUint32(w, littleEndian, uint32(val))
	}

	err := binarySerializer.PutUint8(w, 0xff)
	if err != nil {
		return err
	}
	return binarySerializer.PutUint64(w, littleEndian, val)
}

// VarIntSerializeSize returns the number of bytes it would take to serialize
// val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	// The value is small enough to be represented by itself, so it's
	// just 1 byte.
	if val < 0xfd {
		return 1
	}

	// Discriminant 1 byte plus 2 bytes for the uint16.
	if val <= math.MaxUint16 {
		return 3
	}

	// Discriminant 1 byte plus 4 bytes for the uint32.
	if val <= math.MaxUint32 {
		return 5
	}

	// Discriminant 1 byte plus 8 bytes for the uint64.
	return 9
}

// ReadVarString reads a variable length string from r and returns it as a
// Go string. A variable length string is encoded as a variable length
// integer containing the length of the string followed by the bytes that
// represent the string itself. An error is returned if the length is
// greater than the maximum message payload size since it helps protect
// against memory exhaustion attacks and forced panics through malformed
// messages.
func ReadVarString(r io.Reader, pver uint32) (string, error) {
	count, err := ReadVarInt(r, pver)
	if err != nil {
		return "", err
	}

	// Prevent variable length strings that are larger than the maximum
	// message size. It would be possible to cause memory exhaustion and
	// panics without a sane upper bound on this count.
	if count > maxMessagePayload() {
		str := fmt.Sprintf("variable length string is too long "+
			"[count %d, max %d]", count, maxMessagePayload())
		return "", framingError("ReadVarString", ErrPayloadTooLarge, str)
	}

	buf := make([]byte, count)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteVarString serializes str to w as a variable length integer containing
// the length of the string followed by the bytes that represent the string
// itself.
func WriteVarString(w io.Writer, pver uint32, str string) error {
	err := WriteVarInt(w, pver, uint64(len(str)))
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(str))
	return err
}
