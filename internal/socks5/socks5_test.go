package socks5

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/praxos/quictun/internal/client"
	"github.com/praxos/quictun/internal/config"
	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/protocol"
)

func testServer(t *testing.T, mutate func(*config.SOCKS5Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Relay.Address = "127.0.0.1:9"
	cfg.Relay.Token = "secret"
	cfg.Relay.Retries = 1
	cfg.Relay.ConnectTimeout = 100 * time.Millisecond
	cfg.SOCKS5.Address = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg.SOCKS5)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	c := client.New(cfg, logging.NopLogger(), m)
	t.Cleanup(func() { c.Close() })

	s := NewServer(cfg.SOCKS5, c, logging.NopLogger(), m)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_NoAuthNegotiation(t *testing.T) {
	s := testServer(t, nil)
	conn := dialServer(t, s)

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Method != txsocks5.MethodNone {
		t.Errorf("selected method %#x, want no-auth", rep.Method)
	}
}

func TestServer_UserPassNegotiation(t *testing.T) {
	s := testServer(t, func(cfg *config.SOCKS5Config) {
		cfg.Username = "alice"
		cfg.Password = "hunter2"
	})
	conn := dialServer(t, s)

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Method != txsocks5.MethodUsernamePassword {
		t.Fatalf("selected method %#x, want username/password", rep.Method)
	}

	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte("alice"), []byte("hunter2")).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	urep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if urep.Status != txsocks5.UserPassStatusSuccess {
		t.Errorf("auth status %#x, want success", urep.Status)
	}
}

func TestServer_UserPassRejectsBadCredentials(t *testing.T) {
	s := testServer(t, func(cfg *config.SOCKS5Config) {
		cfg.Username = "alice"
		cfg.Password = "hunter2"
	})
	conn := dialServer(t, s)

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodUsernamePassword}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := txsocks5.NewNegotiationReplyFrom(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte("alice"), []byte("wrong")).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	urep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if urep.Status == txsocks5.UserPassStatusSuccess {
		t.Error("bad credentials were accepted")
	}
}

func TestServer_NoAcceptableMethods(t *testing.T) {
	s := testServer(t, func(cfg *config.SOCKS5Config) {
		cfg.Username = "alice"
		cfg.Password = "hunter2"
	})
	conn := dialServer(t, s)

	// Only offer no-auth against a server requiring credentials.
	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Method != 0xff {
		t.Errorf("method = %#x, want 0xff (no acceptable methods)", rep.Method)
	}
}

func TestServer_UnsupportedCommand(t *testing.T) {
	s := testServer(t, nil)
	conn := dialServer(t, s)

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := txsocks5.NewNegotiationReplyFrom(conn); err != nil {
		t.Fatal(err)
	}

	// BIND is not implemented.
	req := txsocks5.NewRequest(txsocks5.CmdBind, txsocks5.ATYPIPv4, []byte{127, 0, 0, 1}, []byte{0x00, 0x50})
	if _, err := req.WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepCommandNotSupported {
		t.Errorf("reply %#x, want command not supported", rep.Rep)
	}
}

func TestServer_ConnectUnreachableRelay(t *testing.T) {
	s := testServer(t, nil)
	conn := dialServer(t, s)

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := txsocks5.NewNegotiationReplyFrom(conn); err != nil {
		t.Fatal(err)
	}

	req := txsocks5.NewRequest(txsocks5.CmdConnect, txsocks5.ATYPIPv4, []byte{192, 0, 2, 1}, []byte{0x00, 0x50})
	if _, err := req.WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepHostUnreachable {
		t.Errorf("reply %#x, want host unreachable", rep.Rep)
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	s := testServer(t, nil)
	conn := dialServer(t, s)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection still open after Stop")
	}
}

func TestRequestAddress(t *testing.T) {
	tests := []struct {
		name    string
		atyp    byte
		dstAddr []byte
		dstPort []byte
		want    protocol.Address
		wantErr bool
	}{
		{
			name:    "ipv4",
			atyp:    txsocks5.ATYPIPv4,
			dstAddr: []byte{10, 0, 0, 1},
			dstPort: []byte{0x00, 0x35},
			want:    protocol.SocketAddress([]byte{10, 0, 0, 1}, 53),
		},
		{
			name:    "ipv6",
			atyp:    txsocks5.ATYPIPv6,
			dstAddr: bytes.Repeat([]byte{0x20}, 16),
			dstPort: []byte{0x01, 0xBB},
			want:    protocol.SocketAddress(bytes.Repeat([]byte{0x20}, 16), 443),
		},
		{
			name:    "domain",
			atyp:    txsocks5.ATYPDomain,
			dstAddr: append([]byte{11}, []byte("example.com")...),
			dstPort: []byte{0x01, 0xBB},
			want:    protocol.DomainAddress("example.com", 443),
		},
		{
			name:    "domain with bad length prefix",
			atyp:    txsocks5.ATYPDomain,
			dstAddr: append([]byte{99}, []byte("example.com")...),
			dstPort: []byte{0x01, 0xBB},
			wantErr: true,
		},
		{
			name:    "unknown address type",
			atyp:    0x09,
			dstAddr: []byte{1, 2, 3, 4},
			dstPort: []byte{0x00, 0x50},
			wantErr: true,
		},
		{
			name:    "short port",
			atyp:    txsocks5.ATYPIPv4,
			dstAddr: []byte{10, 0, 0, 1},
			dstPort: []byte{0x50},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := requestAddress(tt.atyp, tt.dstAddr, tt.dstPort)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReplyAddress_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr protocol.Address
	}{
		{"ipv4", protocol.SocketAddress([]byte{203, 0, 113, 9}, 53)},
		{"ipv6", protocol.SocketAddress(bytes.Repeat([]byte{0xFE}, 16), 8080)},
		{"domain", protocol.DomainAddress("example.com", 443)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atyp, dstAddr, dstPort, err := replyAddress(tt.addr)
			if err != nil {
				t.Fatal(err)
			}
			if tt.addr.Type == protocol.AddrTypeDomain {
				dstAddr = append([]byte{byte(len(dstAddr))}, dstAddr...)
			}
			back, err := requestAddress(atyp, dstAddr, dstPort)
			if err != nil {
				t.Fatal(err)
			}
			if !back.Equal(tt.addr) {
				t.Errorf("round trip %v -> %v", tt.addr, back)
			}
		})
	}
}

func TestReplyAddress_None(t *testing.T) {
	if _, _, _, err := replyAddress(protocol.NoneAddress()); err == nil {
		t.Fatal("expected error for NONE address")
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:1234", true},
		{"[::1]:1234", true},
		{"192.168.1.10:1234", false},
		{"203.0.113.9:80", false},
	}

	for _, tt := range tests {
		tcp, err := net.ResolveTCPAddr("tcp", tt.addr)
		if err != nil {
			t.Fatal(err)
		}
		if got := isLoopback(tcp); got != tt.want {
			t.Errorf("isLoopback(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
