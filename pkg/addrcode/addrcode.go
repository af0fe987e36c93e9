// Package addrcode encodes and decodes the six-byte (IPv4, port) rendezvous
// address as a human-copyable Base58 "code". It carries no checksum: a
// corrupted code that still Base58-decodes to exactly six bytes parses
// into a wrong, but well-formed, address.
package addrcode

import (
	"net"

	"github.com/mr-tron/base58"

	"github.com/duskline/punch/pkg/errs"
)

const wireSize = 6

// AddressInfo wraps an IPv4 address and port pair. It serializes to exactly
// six bytes: four octets of IPv4 in network order, then the port as a
// little-endian u16.
type AddressInfo struct {
	IP   [4]byte
	Port uint16
}

// New builds an AddressInfo from a *net.UDPAddr. The address must be IPv4;
// IPv6 is out of scope for the rendezvous code.
func New(addr *net.UDPAddr) (AddressInfo, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return AddressInfo{}, errs.Decodef("address %s is not IPv4", addr)
	}
	var info AddressInfo
	copy(info.IP[:], ip4)
	info.Port = uint16(addr.Port)
	return info, nil
}

// UDPAddr converts back to a *net.UDPAddr.
func (a AddressInfo) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]),
		Port: int(a.Port),
	}
}

func (a AddressInfo) bytes() []byte {
	buf := make([]byte, wireSize)
	copy(buf[0:4], a.IP[:])
	buf[4] = byte(a.Port)
	buf[5] = byte(a.Port >> 8)
	return buf
}

func fromBytes(b []byte) (AddressInfo, error) {
	if len(b) != wireSize {
		return AddressInfo{}, errs.Decode("Invalid size")
	}
	var info AddressInfo
	copy(info.IP[:], b[0:4])
	info.Port = uint16(b[4]) | uint16(b[5])<<8
	return info, nil
}

// Encode renders an AddressInfo as its Base58 code.
func Encode(a AddressInfo) string {
	return base58.Encode(a.bytes())
}

// Decode parses a Base58 code back into an AddressInfo. It fails with
// "Invalid data" if the string is not valid Base58, and "Invalid size" if
// the decoded payload is not exactly six bytes.
func Decode(code string) (AddressInfo, error) {
	raw, err := base58.Decode(code)
	if err != nil {
		return AddressInfo{}, errs.Decode("Invalid data")
	}
	return fromBytes(raw)
}
