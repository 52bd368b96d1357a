// Package udp implements the client side of UDP relaying: reassembly of
// fragmented datagrams arriving from the relay and the table of local
// associations that outbound packets are sent on behalf of.
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/protocol"
)

var (
	// ErrInvalidFragment is returned for fragments whose header is
	// internally inconsistent (zero total, out-of-range index, or a
	// size field that disagrees with the payload).
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrFragmentMismatch is returned for fragments that disagree with
	// an in-progress reassembly about the fragment count. The fragment
	// is dropped; the reassembly record is kept.
	ErrFragmentMismatch = errors.New("fragment mismatch")
)

// Datagram is a fully reassembled UDP datagram received from the relay.
type Datagram struct {
	AssocID uint16
	PktID   uint16
	Addr    protocol.Address
	Payload []byte
}

// partial is an in-progress reassembly of one packet. completed is
// atomic because the eviction callback reads it from the cache janitor
// goroutine.
type partial struct {
	mu        sync.Mutex
	fragTotal uint8
	received  uint8
	addr      protocol.Address
	frags     [][]byte
	completed atomic.Bool
}

// Defragmenter reassembles fragmented UDP datagrams. Records for packets
// that never complete are evicted after the configured timeout.
type Defragmenter struct {
	mu      sync.Mutex
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDefragmenter creates a Defragmenter whose incomplete records expire
// after timeout. A timeout of zero disables expiry.
func NewDefragmenter(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Defragmenter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	expiry := timeout
	cleanup := timeout / 2
	if timeout <= 0 {
		expiry = cache.NoExpiration
		cleanup = 0
	}

	d := &Defragmenter{
		cache:   cache.New(expiry, cleanup),
		logger:  logger.With(logging.KeyComponent, "defrag"),
		metrics: m,
	}

	// OnEvicted fires for explicit deletes too; the completed flag
	// distinguishes a finished packet from a timed-out one.
	d.cache.OnEvicted(func(key string, value interface{}) {
		p, ok := value.(*partial)
		if !ok || p.completed.Load() {
			return
		}
		d.metrics.ReassemblyEvictions.Inc()
		d.logger.Debug("evicted incomplete packet",
			"key", key,
			logging.KeyCount, p.received)
	})

	return d
}

func reassemblyKey(assocID, pktID uint16) string {
	return fmt.Sprintf("%d/%d", assocID, pktID)
}

// Feed offers one fragment to the reassembler. It returns the completed
// datagram once the final missing fragment of a packet arrives, and nil
// while the packet is still incomplete. Duplicate fragments are ignored.
func (d *Defragmenter) Feed(hdr protocol.PacketHeader, payload []byte) (*Datagram, error) {
	if hdr.FragTotal == 0 {
		return nil, fmt.Errorf("%w: fragment count is zero", ErrInvalidFragment)
	}
	if hdr.FragID >= hdr.FragTotal {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrInvalidFragment, hdr.FragID, hdr.FragTotal)
	}
	if int(hdr.Size) != len(payload) {
		return nil, fmt.Errorf("%w: size field %d, payload %d bytes", ErrInvalidFragment, hdr.Size, len(payload))
	}

	key := reassemblyKey(hdr.AssocID, hdr.PktID)

	d.mu.Lock()
	var p *partial
	if item, found := d.cache.Get(key); found {
		p = item.(*partial)
	} else {
		p = &partial{
			fragTotal: hdr.FragTotal,
			frags:     make([][]byte, hdr.FragTotal),
		}
		d.cache.SetDefault(key, p)
	}
	d.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed.Load() {
		// Late duplicate of an already delivered packet.
		return nil, nil
	}
	if hdr.FragTotal != p.fragTotal {
		d.metrics.FragmentMismatches.Inc()
		return nil, fmt.Errorf("%w: got total %d, record has %d", ErrFragmentMismatch, hdr.FragTotal, p.fragTotal)
	}

	if hdr.FragID == 0 {
		p.addr = hdr.Addr
	}
	if p.frags[hdr.FragID] == nil {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		p.frags[hdr.FragID] = buf
		p.received++
	}

	if p.received < p.fragTotal {
		return nil, nil
	}

	total := 0
	for _, frag := range p.frags {
		total += len(frag)
	}
	assembled := make([]byte, 0, total)
	for _, frag := range p.frags {
		assembled = append(assembled, frag...)
	}

	p.completed.Store(true)
	d.mu.Lock()
	d.cache.Delete(key)
	d.mu.Unlock()

	d.metrics.PacketsReassembled.Inc()

	return &Datagram{
		AssocID: hdr.AssocID,
		PktID:   hdr.PktID,
		Addr:    p.addr,
		Payload: assembled,
	}, nil
}

// Pending returns the number of in-progress reassembly records. The
// count may briefly include expired records awaiting cleanup.
func (d *Defragmenter) Pending() int {
	return d.cache.ItemCount()
}
