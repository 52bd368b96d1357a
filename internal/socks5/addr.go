package socks5

import (
	"encoding/binary"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/praxos/quictun/internal/protocol"
)

// requestAddress converts the target of a SOCKS5 request into a relay
// address. Domain targets stay domains; resolution happens at the relay.
func requestAddress(atyp byte, dstAddr []byte, dstPort []byte) (protocol.Address, error) {
	if len(dstPort) != 2 {
		return protocol.Address{}, fmt.Errorf("invalid port field length %d", len(dstPort))
	}
	port := binary.BigEndian.Uint16(dstPort)

	switch atyp {
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		return protocol.SocketAddress(dstAddr, port), nil
	case txsocks5.ATYPDomain:
		// The request carries the domain with its length prefix.
		if len(dstAddr) < 1 || int(dstAddr[0]) != len(dstAddr)-1 {
			return protocol.Address{}, fmt.Errorf("malformed domain field")
		}
		return protocol.DomainAddress(string(dstAddr[1:]), port), nil
	default:
		return protocol.Address{}, fmt.Errorf("unsupported address type %#x", atyp)
	}
}

// replyAddress converts a relay address into SOCKS5 datagram fields for
// the return path.
func replyAddress(addr protocol.Address) (atyp byte, dstAddr []byte, dstPort []byte, err error) {
	dstPort = make([]byte, 2)
	binary.BigEndian.PutUint16(dstPort, addr.Port)

	switch addr.Type {
	case protocol.AddrTypeSocket:
		if v4 := addr.IP.To4(); v4 != nil {
			return txsocks5.ATYPIPv4, v4, dstPort, nil
		}
		return txsocks5.ATYPIPv6, addr.IP.To16(), dstPort, nil
	case protocol.AddrTypeDomain:
		return txsocks5.ATYPDomain, []byte(addr.Domain), dstPort, nil
	default:
		return 0, nil, nil, fmt.Errorf("address type %s has no SOCKS5 form", protocol.AddrTypeName(addr.Type))
	}
}
