package tunnel

import (
	"errors"

	"github.com/praxos/quictun/internal/protocol"
)

// ErrPacketConsumed is returned when a PacketTx is fragmented twice.
var ErrPacketConsumed = errors.New("packet already consumed")

// PacketTx is one outbound UDP datagram bound to a relay flow. It is
// consumed exactly once by IntoFragments, which transfers ownership of
// the target address into the fragment iterator.
type PacketTx struct {
	assocID    uint16
	pktID      uint16
	addr       protocol.Address
	maxPktSize int
	consumed   bool
}

// NewPacketTx builds a packet message with all header fields supplied.
func NewPacketTx(assocID, pktID uint16, addr protocol.Address, maxPktSize int) *PacketTx {
	return &PacketTx{
		assocID:    assocID,
		pktID:      pktID,
		addr:       addr,
		maxPktSize: maxPktSize,
	}
}

// IntoFragments consumes the packet and returns the fragment iterator
// over payload. A second call fails with ErrPacketConsumed.
func (p *PacketTx) IntoFragments(payload []byte) (*protocol.Fragmenter, error) {
	if p.consumed {
		return nil, ErrPacketConsumed
	}
	p.consumed = true
	return protocol.NewFragmenter(p.assocID, p.pktID, p.addr.Take(), p.maxPktSize, payload)
}

// PacketRx is one fragment observed on the wire: a decoded packet header
// plus its payload slice. It is only produced by the decode path and is
// what the reassembly engine consumes.
type PacketRx struct {
	header  protocol.PacketHeader
	payload []byte
}

// ReceivePacket wraps a decoded packet header and its payload.
func ReceivePacket(header protocol.PacketHeader, payload []byte) *PacketRx {
	return &PacketRx{header: header, payload: payload}
}

// Header returns the decoded packet header.
func (p *PacketRx) Header() protocol.PacketHeader {
	return p.header
}

// Payload returns the fragment payload.
func (p *PacketRx) Payload() []byte {
	return p.payload
}
