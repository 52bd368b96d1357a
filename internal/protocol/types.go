// Package protocol defines the wire protocol spoken between the quictun
// client and the relay server.
package protocol

// Address type constants
const (
	AddrTypeDomain uint8 = 0x00 // 1-byte length + name + port
	AddrTypeSocket uint8 = 0x01 // 1-byte IP length (4 or 16) + IP + port
	AddrTypeNone   uint8 = 0xFF // no address carried
)

// Protocol constants
const (
	// PacketHeaderLenWithoutAddr is the fixed part of a packet header:
	// assoc_id (2) + pkt_id (2) + frag_total (1) + frag_id (1) + size (2).
	PacketHeaderLenWithoutAddr = 8

	// AuthenticateHeaderLen is the size of an authenticate header.
	AuthenticateHeaderLen = 8

	// MaxFragTotal is the largest fragment count a single byte can carry.
	MaxFragTotal = 255

	// MaxDomainLen is the largest domain name a length-prefixed byte allows.
	MaxDomainLen = 255
)

// IP lengths carried by a socket address.
const (
	ipLenV4 = 4
	ipLenV6 = 16
)

// AddrTypeName returns a human-readable name for an address type.
func AddrTypeName(t uint8) string {
	switch t {
	case AddrTypeDomain:
		return "DOMAIN"
	case AddrTypeSocket:
		return "SOCKET"
	case AddrTypeNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
