package protocol

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMalformedHeader is returned when a header or address cannot be
	// decoded: truncated input, an unknown type tag, or a length prefix
	// that overruns the buffer.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrPacketTooLarge is returned when a payload cannot be fragmented
	// within the per-fragment byte budget and the 255-fragment ceiling.
	ErrPacketTooLarge = errors.New("packet too large")
)

// Address is a relay target: absent, a domain name, or a socket address.
//
// Wire format: one type tag byte, then
//
//	NONE:   nothing
//	DOMAIN: name length byte + name bytes + port (u16)
//	SOCKET: IP length byte (4 or 16) + IP bytes + port (u16)
//
// The zero value is not valid; use NoneAddress, DomainAddress or
// SocketAddress.
type Address struct {
	Type   uint8
	Domain string
	IP     net.IP
	Port   uint16
}

// NoneAddress returns an absent address (carried on non-first fragments).
func NoneAddress() Address {
	return Address{Type: AddrTypeNone}
}

// DomainAddress returns a domain-name address.
func DomainAddress(name string, port uint16) Address {
	return Address{Type: AddrTypeDomain, Domain: name, Port: port}
}

// SocketAddress returns a socket address, normalizing the IP to its
// 4-byte form when possible.
func SocketAddress(ip net.IP, port uint16) Address {
	if ip4 := ip.To4(); ip4 != nil {
		return Address{Type: AddrTypeSocket, IP: ip4, Port: port}
	}
	return Address{Type: AddrTypeSocket, IP: ip.To16(), Port: port}
}

// Len returns the exact number of bytes Encode produces, tag byte included.
// The fragmentation engine's size arithmetic depends on this.
func (a Address) Len() int {
	switch a.Type {
	case AddrTypeNone:
		return 1
	case AddrTypeDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrTypeSocket:
		return 1 + 1 + len(a.IP) + 2
	default:
		return 1
	}
}

// Take replaces the address with NONE and returns the prior value.
// The fragmentation engine uses it so only fragment 0 carries the address.
func (a *Address) Take() Address {
	prev := *a
	*a = NoneAddress()
	return prev
}

// Encode serializes the address.
func (a Address) Encode() ([]byte, error) {
	buf := make([]byte, 0, a.Len())
	return a.append(buf)
}

// append validates and appends the wire form to buf.
func (a Address) append(buf []byte) ([]byte, error) {
	switch a.Type {
	case AddrTypeNone:
		return append(buf, AddrTypeNone), nil
	case AddrTypeDomain:
		if len(a.Domain) > MaxDomainLen {
			return nil, fmt.Errorf("%w: domain name too long (%d bytes)", ErrMalformedHeader, len(a.Domain))
		}
		buf = append(buf, AddrTypeDomain, uint8(len(a.Domain)))
		buf = append(buf, a.Domain...)
		return append(buf, byte(a.Port>>8), byte(a.Port)), nil
	case AddrTypeSocket:
		if len(a.IP) != ipLenV4 && len(a.IP) != ipLenV6 {
			return nil, fmt.Errorf("%w: invalid IP length %d", ErrMalformedHeader, len(a.IP))
		}
		buf = append(buf, AddrTypeSocket, uint8(len(a.IP)))
		buf = append(buf, a.IP...)
		return append(buf, byte(a.Port>>8), byte(a.Port)), nil
	default:
		return nil, fmt.Errorf("%w: unknown address type %d", ErrMalformedHeader, a.Type)
	}
}

// DecodeAddress decodes an address from buf and returns it together with
// the number of bytes consumed.
func DecodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, fmt.Errorf("%w: address tag missing", ErrMalformedHeader)
	}

	switch buf[0] {
	case AddrTypeNone:
		return NoneAddress(), 1, nil

	case AddrTypeDomain:
		if len(buf) < 2 {
			return Address{}, 0, fmt.Errorf("%w: domain length missing", ErrMalformedHeader)
		}
		nameLen := int(buf[1])
		end := 2 + nameLen + 2
		if len(buf) < end {
			return Address{}, 0, fmt.Errorf("%w: domain address truncated", ErrMalformedHeader)
		}
		name := string(buf[2 : 2+nameLen])
		port := uint16(buf[end-2])<<8 | uint16(buf[end-1])
		return DomainAddress(name, port), end, nil

	case AddrTypeSocket:
		if len(buf) < 2 {
			return Address{}, 0, fmt.Errorf("%w: IP length missing", ErrMalformedHeader)
		}
		ipLen := int(buf[1])
		if ipLen != ipLenV4 && ipLen != ipLenV6 {
			return Address{}, 0, fmt.Errorf("%w: invalid IP length %d", ErrMalformedHeader, ipLen)
		}
		end := 2 + ipLen + 2
		if len(buf) < end {
			return Address{}, 0, fmt.Errorf("%w: socket address truncated", ErrMalformedHeader)
		}
		ip := make(net.IP, ipLen)
		copy(ip, buf[2:2+ipLen])
		port := uint16(buf[end-2])<<8 | uint16(buf[end-1])
		return Address{Type: AddrTypeSocket, IP: ip, Port: port}, end, nil

	default:
		return Address{}, 0, fmt.Errorf("%w: unknown address type %d", ErrMalformedHeader, buf[0])
	}
}

// IsNone reports whether no address is carried.
func (a Address) IsNone() bool {
	return a.Type == AddrTypeNone
}

// Equal reports whether two addresses are the same target.
func (a Address) Equal(b Address) bool {
	if a.Type != b.Type || a.Port != b.Port {
		return false
	}
	switch a.Type {
	case AddrTypeDomain:
		return a.Domain == b.Domain
	case AddrTypeSocket:
		return a.IP.Equal(b.IP)
	default:
		return true
	}
}

// String returns a host:port representation for logging.
func (a Address) String() string {
	switch a.Type {
	case AddrTypeNone:
		return "<none>"
	case AddrTypeDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	case AddrTypeSocket:
		return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
	default:
		return fmt.Sprintf("<invalid type %d>", a.Type)
	}
}
