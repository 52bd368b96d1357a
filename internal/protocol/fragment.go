package protocol

import "fmt"

// Fragmenter splits one UDP payload into a lazy, finite sequence of
// (PacketHeader, payload slice) pairs, each encodable within maxPktSize
// bytes. The concatenation of the emitted slices, in order, equals the
// input payload exactly. Fragment 0 carries the full target address;
// every later fragment carries NONE, so it has more room for payload.
//
// A Fragmenter borrows the payload for its lifetime and is not
// restartable once exhausted.
type Fragmenter struct {
	assocID       uint16
	pktID         uint16
	addr          Address
	maxPktSize    int
	fragTotal     uint8
	nextFragID    uint8
	nextFragStart int
	payload       []byte
}

// NewFragmenter computes the fragment count for payload under maxPktSize
// and returns the iterator. It fails with ErrPacketTooLarge before any
// fragment is emitted if the budget cannot hold the header and address,
// or if more than 255 fragments would be needed.
func NewFragmenter(assocID, pktID uint16, addr Address, maxPktSize int, payload []byte) (*Fragmenter, error) {
	firstFragSize := maxPktSize - PacketHeaderLenWithoutAddr - addr.Len()
	fragSizeAddrNone := maxPktSize - PacketHeaderLenWithoutAddr - NoneAddress().Len()

	if firstFragSize < 0 {
		return nil, fmt.Errorf("%w: %d-byte budget cannot hold header and address", ErrPacketTooLarge, maxPktSize)
	}

	total := 1
	if len(payload) > firstFragSize {
		if fragSizeAddrNone <= 0 {
			return nil, fmt.Errorf("%w: %d-byte budget leaves no room for payload", ErrPacketTooLarge, maxPktSize)
		}
		rest := len(payload) - firstFragSize
		total += (rest + fragSizeAddrNone - 1) / fragSizeAddrNone
	}
	if total > MaxFragTotal {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments, limit is %d",
			ErrPacketTooLarge, len(payload), total, MaxFragTotal)
	}

	return &Fragmenter{
		assocID:    assocID,
		pktID:      pktID,
		addr:       addr,
		maxPktSize: maxPktSize,
		fragTotal:  uint8(total),
		payload:    payload,
	}, nil
}

// Next emits the next fragment. It returns false once fragTotal fragments
// have been emitted. The payload slice aliases the input payload.
func (f *Fragmenter) Next() (PacketHeader, []byte, bool) {
	if f.nextFragID >= f.fragTotal {
		return PacketHeader{}, nil, false
	}

	payloadSize := f.maxPktSize - PacketHeaderLenWithoutAddr - f.addr.Len()
	end := f.nextFragStart + payloadSize
	if end > len(f.payload) {
		end = len(f.payload)
	}

	header := NewPacketHeader(
		f.assocID,
		f.pktID,
		f.fragTotal,
		f.nextFragID,
		uint16(end-f.nextFragStart),
		f.addr.Take(),
	)
	payload := f.payload[f.nextFragStart:end]

	f.nextFragID++
	f.nextFragStart = end

	return header, payload, true
}

// Total returns the number of fragments this iterator yields in total.
func (f *Fragmenter) Total() int {
	return int(f.fragTotal)
}

// Remaining returns the number of fragments not yet emitted.
func (f *Fragmenter) Remaining() int {
	return int(f.fragTotal - f.nextFragID)
}
