package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is the common surface of the wire headers. The message kind is
// determined by transport context, not by a discriminator byte: QUIC
// datagrams carry packet headers, a bidirectional stream opens with a
// connect header, and the dedicated authentication uni-stream carries an
// authenticate header.
type Header interface {
	// Len returns the exact number of bytes Encode produces.
	Len() int

	// Encode serializes the header.
	Encode() ([]byte, error)
}

// ConnectHeader opens a TCP relay: it carries the tunnel target address.
// Wire format: [Address].
type ConnectHeader struct {
	Addr Address
}

// NewConnectHeader creates a connect header for the given target.
func NewConnectHeader(addr Address) ConnectHeader {
	return ConnectHeader{Addr: addr}
}

// Len returns the encoded size in bytes.
func (h ConnectHeader) Len() int {
	return h.Addr.Len()
}

// Encode serializes the header.
func (h ConnectHeader) Encode() ([]byte, error) {
	return h.Addr.Encode()
}

// DecodeConnectHeader decodes a connect header and returns the bytes
// consumed.
func DecodeConnectHeader(buf []byte) (ConnectHeader, int, error) {
	addr, n, err := DecodeAddress(buf)
	if err != nil {
		return ConnectHeader{}, 0, err
	}
	return ConnectHeader{Addr: addr}, n, nil
}

// PacketHeader describes one fragment of a relayed UDP datagram.
//
// Wire format (big-endian):
//
//	AssocID   [2 bytes] - UDP relay flow
//	PktID     [2 bytes] - datagram within the flow, wrapping
//	FragTotal [1 byte]  - fragment count for this datagram
//	FragID    [1 byte]  - 0-indexed fragment position
//	Size      [2 bytes] - payload length of this fragment
//	Addr      [variable] - full address on fragment 0, NONE thereafter
type PacketHeader struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	Addr      Address
}

// NewPacketHeader creates a packet header with all fields supplied.
func NewPacketHeader(assocID, pktID uint16, fragTotal, fragID uint8, size uint16, addr Address) PacketHeader {
	return PacketHeader{
		AssocID:   assocID,
		PktID:     pktID,
		FragTotal: fragTotal,
		FragID:    fragID,
		Size:      size,
		Addr:      addr,
	}
}

// Len returns the encoded size in bytes.
func (h PacketHeader) Len() int {
	return PacketHeaderLenWithoutAddr + h.Addr.Len()
}

// Encode serializes the header.
func (h PacketHeader) Encode() ([]byte, error) {
	buf := make([]byte, PacketHeaderLenWithoutAddr, h.Len())
	binary.BigEndian.PutUint16(buf[0:2], h.AssocID)
	binary.BigEndian.PutUint16(buf[2:4], h.PktID)
	buf[4] = h.FragTotal
	buf[5] = h.FragID
	binary.BigEndian.PutUint16(buf[6:8], h.Size)
	return h.Addr.append(buf)
}

// DecodePacketHeader decodes a packet header and returns the bytes
// consumed; the fragment payload follows.
func DecodePacketHeader(buf []byte) (PacketHeader, int, error) {
	if len(buf) < PacketHeaderLenWithoutAddr {
		return PacketHeader{}, 0, fmt.Errorf("%w: packet header too short", ErrMalformedHeader)
	}

	h := PacketHeader{
		AssocID:   binary.BigEndian.Uint16(buf[0:2]),
		PktID:     binary.BigEndian.Uint16(buf[2:4]),
		FragTotal: buf[4],
		FragID:    buf[5],
		Size:      binary.BigEndian.Uint16(buf[6:8]),
	}

	addr, n, err := DecodeAddress(buf[PacketHeaderLenWithoutAddr:])
	if err != nil {
		return PacketHeader{}, 0, err
	}
	h.Addr = addr

	return h, PacketHeaderLenWithoutAddr + n, nil
}

// AuthenticateHeader carries the 64-bit token digest sent once per
// connection on a client-opened unidirectional stream.
// Wire format: [Token: 8 bytes, big-endian].
type AuthenticateHeader struct {
	Token uint64
}

// NewAuthenticateHeader creates an authenticate header.
func NewAuthenticateHeader(token uint64) AuthenticateHeader {
	return AuthenticateHeader{Token: token}
}

// Len returns the encoded size in bytes.
func (h AuthenticateHeader) Len() int {
	return AuthenticateHeaderLen
}

// Encode serializes the header.
func (h AuthenticateHeader) Encode() ([]byte, error) {
	buf := make([]byte, AuthenticateHeaderLen)
	binary.BigEndian.PutUint64(buf, h.Token)
	return buf, nil
}

// DecodeAuthenticateHeader decodes an authenticate header.
func DecodeAuthenticateHeader(buf []byte) (AuthenticateHeader, int, error) {
	if len(buf) < AuthenticateHeaderLen {
		return AuthenticateHeader{}, 0, fmt.Errorf("%w: authenticate header too short", ErrMalformedHeader)
	}
	return AuthenticateHeader{Token: binary.BigEndian.Uint64(buf)}, AuthenticateHeaderLen, nil
}
