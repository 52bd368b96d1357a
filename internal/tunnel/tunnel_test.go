package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/praxos/quictun/internal/protocol"
)

func TestConnectTx_HeaderAndTask(t *testing.T) {
	reg := NewTaskRegistry()
	addr := protocol.DomainAddress("example.com", 443)

	conn := NewConnectTx(reg.Register(), addr)
	if reg.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", reg.Outstanding())
	}

	if got := conn.Header().Addr; !got.Equal(addr) {
		t.Errorf("Header().Addr = %v, want %v", got, addr)
	}

	conn.Sent()
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after Sent, want 0", reg.Outstanding())
	}
}

func TestConnectRx_Addr(t *testing.T) {
	hdr, _, err := protocol.DecodeConnectHeader([]byte{
		protocol.AddrTypeDomain, 3, 'f', 'o', 'o', 0x00, 0x35,
	})
	if err != nil {
		t.Fatalf("DecodeConnectHeader() error = %v", err)
	}

	rx := ReceiveConnect(hdr)
	if !rx.Addr().Equal(protocol.DomainAddress("foo", 53)) {
		t.Errorf("Addr() = %v, want foo:53", rx.Addr())
	}
}

func TestPacketTx_ConsumedOnce(t *testing.T) {
	pkt := NewPacketTx(1, 2, protocol.SocketAddress(net.IPv4(10, 0, 0, 1), 53), 1350)

	frags, err := pkt.IntoFragments([]byte("payload"))
	if err != nil {
		t.Fatalf("IntoFragments() error = %v", err)
	}
	if frags.Total() != 1 {
		t.Errorf("Total() = %d, want 1", frags.Total())
	}

	if _, err := pkt.IntoFragments([]byte("again")); !errors.Is(err, ErrPacketConsumed) {
		t.Errorf("second IntoFragments() error = %v, want ErrPacketConsumed", err)
	}
}

func TestPacketTx_FragmentError(t *testing.T) {
	pkt := NewPacketTx(1, 2, protocol.SocketAddress(net.IPv4(10, 0, 0, 1), 53), 32)

	if _, err := pkt.IntoFragments(make([]byte, 16+255*23)); !errors.Is(err, protocol.ErrPacketTooLarge) {
		t.Errorf("IntoFragments() error = %v, want ErrPacketTooLarge", err)
	}
}

func TestPacketRx_Accessors(t *testing.T) {
	hdr := protocol.NewPacketHeader(5, 6, 2, 1, 4, protocol.NoneAddress())
	rx := ReceivePacket(hdr, []byte("data"))

	if rx.Header().AssocID != 5 || rx.Header().FragID != 1 {
		t.Errorf("Header() = %+v", rx.Header())
	}
	if !bytes.Equal(rx.Payload(), []byte("data")) {
		t.Errorf("Payload() = %q, want %q", rx.Payload(), "data")
	}
}

// fakeStream is an in-memory quic.Stream for wrapper tests.
type fakeStream struct {
	buf         bytes.Buffer
	closed      bool
	writeCancel bool
	readCancel  bool
}

func (f *fakeStream) StreamID() quic.StreamID { return 1 }

func (f *fakeStream) Read(p []byte) (int, error) { return f.buf.Read(p) }

func (f *fakeStream) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *fakeStream) Close() error { f.closed = true; return nil }

func (f *fakeStream) CancelRead(quic.StreamErrorCode) { f.readCancel = true }

func (f *fakeStream) CancelWrite(quic.StreamErrorCode) { f.writeCancel = true }

func (f *fakeStream) Context() context.Context { return context.Background() }

func (f *fakeStream) SetDeadline(time.Time) error { return nil }

func (f *fakeStream) SetReadDeadline(time.Time) error { return nil }

func (f *fakeStream) SetWriteDeadline(time.Time) error { return nil }

func TestStream_WriteAfterFinish(t *testing.T) {
	reg := NewTaskRegistry()
	fake := &fakeStream{}
	stream := NewStream(fake, reg.Register(), reg.Register())

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := stream.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if !fake.closed {
		t.Error("Finish() did not close the underlying send half")
	}

	if _, err := stream.Write([]byte("more")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write() after Finish error = %v, want net.ErrClosed", err)
	}
	if _, err := stream.WriteBuffers(net.Buffers{[]byte("more")}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("WriteBuffers() after Finish error = %v, want net.ErrClosed", err)
	}
}

func TestStream_CloseReleasesTasks(t *testing.T) {
	reg := NewTaskRegistry()
	fake := &fakeStream{}
	stream := NewStream(fake, reg.Register(), reg.Register())

	if reg.Outstanding() != 2 {
		t.Fatalf("Outstanding() = %d, want 2", reg.Outstanding())
	}

	stream.Close()
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after Close, want 0", reg.Outstanding())
	}
	if !fake.writeCancel {
		t.Error("Close() without Finish did not cancel the write side")
	}
	if !fake.readCancel {
		t.Error("Close() did not cancel the read side")
	}
}

func TestStream_FinishThenCloseDoesNotCancelWrite(t *testing.T) {
	reg := NewTaskRegistry()
	fake := &fakeStream{}
	stream := NewStream(fake, reg.Register(), reg.Register())

	stream.Finish()
	stream.Close()

	if fake.writeCancel {
		t.Error("Close() after Finish canceled the write side")
	}
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", reg.Outstanding())
	}
}

func TestStream_WriteBuffers(t *testing.T) {
	reg := NewTaskRegistry()
	fake := &fakeStream{}
	stream := NewStream(fake, reg.Register(), reg.Register())

	n, err := stream.WriteBuffers(net.Buffers{[]byte("head"), []byte("body")})
	if err != nil {
		t.Fatalf("WriteBuffers() error = %v", err)
	}
	if n != 8 {
		t.Errorf("WriteBuffers() = %d bytes, want 8", n)
	}
	if fake.buf.String() != "headbody" {
		t.Errorf("stream content = %q, want %q", fake.buf.String(), "headbody")
	}
}
