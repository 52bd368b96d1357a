package udp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/protocol"
)

// ErrTableFull is returned when every association ID is in use.
var ErrTableFull = errors.New("association table full")

// DeliverFunc receives a reassembled datagram addressed to an
// association. It is called from the receive loop and must not block.
type DeliverFunc func(addr protocol.Address, payload []byte)

// Table tracks the active UDP associations of one relay connection and
// routes inbound datagrams to them by association ID.
type Table struct {
	mu      sync.RWMutex
	assocs  map[uint16]*Association
	nextID  uint16
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewTable creates an empty association table.
func NewTable(logger *slog.Logger, m *metrics.Metrics) *Table {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Table{
		assocs:  make(map[uint16]*Association),
		logger:  logger.With(logging.KeyComponent, "assoc"),
		metrics: m,
	}
}

// Open allocates a fresh association ID and registers deliver as the
// handler for inbound datagrams carrying it. IDs wrap at 65535 and
// skip values still in use.
func (t *Table) Open(deliver DeliverFunc) (*Association, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.assocs) >= 1<<16 {
		return nil, ErrTableFull
	}

	id := t.nextID
	for {
		if _, used := t.assocs[id]; !used {
			break
		}
		id++
	}
	t.nextID = id + 1

	a := &Association{
		id:      id,
		deliver: deliver,
		table:   t,
	}
	t.assocs[id] = a

	t.metrics.AssociationsOpened.Inc()
	t.metrics.AssociationsActive.Set(float64(len(t.assocs)))
	t.logger.Debug("association opened", logging.KeyAssocID, id)

	return a, nil
}

// Deliver routes a reassembled datagram to its association. It reports
// whether an association with that ID exists.
func (t *Table) Deliver(d *Datagram) bool {
	t.mu.RLock()
	a, ok := t.assocs[d.AssocID]
	t.mu.RUnlock()
	if !ok {
		t.logger.Debug("datagram for unknown association",
			logging.KeyAssocID, d.AssocID,
			logging.KeyPktID, d.PktID)
		return false
	}
	a.deliver(d.Addr, d.Payload)
	return true
}

// Len returns the number of active associations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.assocs)
}

func (t *Table) remove(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.assocs[id]; !ok {
		return
	}
	delete(t.assocs, id)
	t.metrics.AssociationsActive.Set(float64(len(t.assocs)))
	t.logger.Debug("association closed", logging.KeyAssocID, id)
}

// Association is one local UDP relay session. All packets it sends
// share its association ID; the relay uses that ID for return traffic.
type Association struct {
	id      uint16
	deliver DeliverFunc
	table   *Table

	mu     sync.Mutex
	pktID  uint16
	closed bool
}

// ID returns the association's wire identifier.
func (a *Association) ID() uint16 {
	return a.id
}

// NextPktID returns a packet ID for the next outbound datagram.
// IDs are unique per association until they wrap at 65535.
func (a *Association) NextPktID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.pktID
	a.pktID++
	return id
}

// Close removes the association from its table. Datagrams arriving for
// it afterwards are dropped. Close is idempotent.
func (a *Association) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.table.remove(a.id)
}
