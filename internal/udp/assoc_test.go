package udp

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/protocol"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewTable(logging.NopLogger(), m)
}

func TestTable_OpenAssignsDistinctIDs(t *testing.T) {
	table := testTable(t)

	seen := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		a, err := table.Open(func(protocol.Address, []byte) {})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if seen[a.ID()] {
			t.Fatalf("duplicate association ID %d", a.ID())
		}
		seen[a.ID()] = true
	}

	if table.Len() != 100 {
		t.Errorf("Len() = %d, want 100", table.Len())
	}
}

func TestTable_Deliver(t *testing.T) {
	table := testTable(t)

	var gotAddr protocol.Address
	var gotPayload []byte
	a, err := table.Open(func(addr protocol.Address, payload []byte) {
		gotAddr = addr
		gotPayload = payload
	})
	if err != nil {
		t.Fatal(err)
	}

	addr := protocol.SocketAddress([]byte{10, 0, 0, 1}, 53)
	ok := table.Deliver(&Datagram{
		AssocID: a.ID(),
		PktID:   1,
		Addr:    addr,
		Payload: []byte("response"),
	})
	if !ok {
		t.Fatal("Deliver returned false for a registered association")
	}
	if !gotAddr.Equal(addr) {
		t.Errorf("delivered addr %v, want %v", gotAddr, addr)
	}
	if !bytes.Equal(gotPayload, []byte("response")) {
		t.Errorf("delivered payload %q", gotPayload)
	}
}

func TestTable_DeliverUnknownAssociation(t *testing.T) {
	table := testTable(t)

	if table.Deliver(&Datagram{AssocID: 99}) {
		t.Error("Deliver returned true for an unknown association")
	}
}

func TestTable_CloseStopsDelivery(t *testing.T) {
	table := testTable(t)

	delivered := false
	a, err := table.Open(func(protocol.Address, []byte) { delivered = true })
	if err != nil {
		t.Fatal(err)
	}

	a.Close()
	a.Close() // idempotent

	if table.Len() != 0 {
		t.Errorf("Len() = %d after close, want 0", table.Len())
	}
	if table.Deliver(&Datagram{AssocID: a.ID()}) {
		t.Error("Deliver returned true after close")
	}
	if delivered {
		t.Error("handler invoked after close")
	}
}

func TestTable_IDNotImmediatelyReused(t *testing.T) {
	table := testTable(t)

	a, err := table.Open(func(protocol.Address, []byte) {})
	if err != nil {
		t.Fatal(err)
	}
	first := a.ID()
	a.Close()

	b, err := table.Open(func(protocol.Address, []byte) {})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID() == first {
		t.Errorf("ID %d reused immediately after close", first)
	}
}

func TestAssociation_NextPktID(t *testing.T) {
	table := testTable(t)

	a, err := table.Open(func(protocol.Address, []byte) {})
	if err != nil {
		t.Fatal(err)
	}

	for want := uint16(0); want < 10; want++ {
		if got := a.NextPktID(); got != want {
			t.Fatalf("NextPktID() = %d, want %d", got, want)
		}
	}
}

func TestAssociation_PktIDWraps(t *testing.T) {
	table := testTable(t)

	a, err := table.Open(func(protocol.Address, []byte) {})
	if err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	a.pktID = 0xFFFF
	a.mu.Unlock()

	if got := a.NextPktID(); got != 0xFFFF {
		t.Fatalf("NextPktID() = %d, want 65535", got)
	}
	if got := a.NextPktID(); got != 0 {
		t.Fatalf("NextPktID() after wrap = %d, want 0", got)
	}
}
