// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (C) 2024-2026 The bitnodes developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/base32"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// onionCatNet defines the IPv6 address block used to support Tor.
// bitcoind encodes a .onion address as a 16 byte number by decoding the
// address prior to the .onion (i.e. the key hash) base32 into a ten byte
// number. It then stores the first 6 bytes of the address as
// 0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43.
//
// This is the same range used by OnionCat, which is part of the
// RFC4193 unique local IPv6 range.
var onionCatNet = ipNet("fd87:d87e:eb43::", 48, 128)

// ipNet returns a net.IPNet struct given the passed IP address string,
// number of one bits to include at the start of the mask, and the total
// number of bits for the mask.
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

// errInvalidOnionHost is returned when a host name does not parse as a
// base32 v2 onion name.
var errInvalidOnionHost = messageError("ParseOnionHost",
	"invalid onion host name")

// NetAddress defines information about a peer on the network including the
// time it was last seen, the services it supports, its IP address, and
// port. A NetAddress is an immutable identity once observed; two values
// with distinct Key() results are never merged.
type NetAddress struct {
	// Timestamp is the last time the address was seen. This is, unfortunately,
	// encoded as a uint32 on the wire and therefore is limited to 2106. This
	// field is not present in the bitcoin version message nor was it added
	// until protocol version >= NetAddressTimeVersion.
	Timestamp time.Time

	// Services is a bitfield which identifies the services supported by
	// the peer advertising the address.
	Services ServiceFlag

	// IP address of the peer. Onion identities are carried in their
	// OnionCat IPv6 form.
	IP net.IP

	// Port is the port the peer is using. This is encoded in big endian
	// on the wire which differs from most everything else.
	Port uint16
}

// NewNetAddressIPPort returns a new NetAddress using the provided IP, port,
// and supported services with the timestamp set to the current time.
func NewNetAddressIPPort(ip net.IP, port uint16, services ServiceFlag) *NetAddress {
	return NewNetAddressTimestamp(time.Now(), services, ip, port)
}

// NewNetAddressTimestamp returns a new NetAddress using the provided
// timestamp, IP, port, and supported services. The timestamp is rounded to
// single second precision.
func NewNetAddressTimestamp(timestamp time.Time, services ServiceFlag,
	ip net.IP, port uint16) *NetAddress {

	na := NetAddress{
		Timestamp: time.Unix(timestamp.Unix(), 0),
		Services:  services,
		IP:        ip,
		Port:      port,
	}
	return &na
}

// HasService returns whether the specified service is supported by the
// address.
func (na *NetAddress) HasService(service ServiceFlag) bool {
	return na.Services&service == service
}

// IsOnion returns whether the address is an OnionCat-encoded Tor hidden
// service.
func (na *NetAddress) IsOnion() bool {
	return onionCatNet.Contains(na.IP)
}

// IsIPv4 returns whether the address is an IPv4 address.
func (na *NetAddress) IsIPv4() bool {
	return na.IP.To4() != nil
}

// Host returns the host portion of the address in string form: dotted quad
// for IPv4, RFC4291 form for IPv6, and the base32 .onion name for OnionCat
// encoded Tor addresses.
func (na *NetAddress) Host() string {
	if na.IsOnion() {
		// The encoded onion name is the base32 encoding of the
		// trailing ten bytes of the OnionCat address.
		base32Host := base32.StdEncoding.EncodeToString(na.IP[6:16])
		return strings.ToLower(base32Host) + ".onion"
	}
	return na.IP.String()
}

// Key returns the canonical identity key of the address, host:port. Two
// NetAddress values with equal keys refer to the same network endpoint.
func (na *NetAddress) Key() string {
	return net.JoinHostPort(na.Host(), strconv.Itoa(int(na.Port)))
}

// String returns the key form of the address.
func (na *NetAddress) String() string {
	return na.Key()
}

// ParseOnionHost converts a base32 .onion host name into its OnionCat IPv6
// representation.
func ParseOnionHost(host string) (net.IP, error) {
	if len(host) != 22 || !strings.HasSuffix(host, ".onion") {
		return nil, errInvalidOnionHost
	}
	data, err := base32.StdEncoding.DecodeString(
		strings.ToUpper(host[:16]))
	if err != nil {
		return nil, errInvalidOnionHost
	}
	prefix := []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}
	return net.IP(append(prefix, data...)), nil
}

// maxNetAddressPayload returns the max payload size for a bitcoin
// NetAddress based on the protocol version.
func maxNetAddressPayload(pver uint32) uint32 {
	// Services 8 bytes + ip 16 bytes + port 2 bytes.
	plen := uint32(26)

	// NetAddressTimeVersion added a timestamp field.
	if pver >= NetAddressTimeVersion {
		// Timestamp 4 bytes.
		plen += 4
	}

	return plen
}

// readNetAddress reads an encoded NetAddress from r depending on the
// protocol version and whether or not the timestamp is included per ts.
// Some messages like version do not include the timestamp.
func readNetAddress(r io.Reader, pver uint32, na *NetAddress, ts bool) error {
	var ip [16]byte

	// NOTE: The bitcoin protocol uses a uint32 for the timestamp so it
	// will stop working somewhere around 2106. Also timestamp wasn't
	// added until protocol version >= NetAddressTimeVersion.
	if ts && pver >= NetAddressTimeVersion {
		err := readElement(r, (*uint32Time)(&na.Timestamp))
		if err != nil {
			return err
		}
	}

	err := readElements(r, &na.Services, &ip)
	if err != nil {
		return err
	}
	// Sigh. Bitcoin protocol mixes little and big endian.
	port, err := binarySerializer.Uint16(r, bigEndian)
	if err != nil {
		return err
	}

	na.IP = net.IP(ip[:])
	na.Port = port
	return nil
}

// writeNetAddress serializes a NetAddress to w depending on the protocol
// version and whether or not the timestamp is included per ts. Some
// messages like version do not include the timestamp.
func writeNetAddress(w io.Writer, pver uint32, na *NetAddress, ts bool) error {
	// NOTE: The bitcoin protocol uses a uint32 for the timestamp so it
	// will stop working somewhere around 2106. Also timestamp wasn't
	// added until until protocol version >= NetAddressTimeVersion.
	if ts && pver >= NetAddressTimeVersion {
		err := writeElement(w, uint32(na.Timestamp.Unix()))
		if err != nil {
			return err
		}
	}

	// Ensure to always write 16 bytes even if the ip is nil.
	var ip [16]byte
	if na.IP != nil {
		copy(ip[:], na.IP.To16())
	}
	err := writeElements(w, na.Services, ip)
	if err != nil {
		return err
	}

	// Sigh. Bitcoin protocol mixes little and big endian.
	return binarySerializer.PutUint16(w, bigEndian, na.Port)
}
