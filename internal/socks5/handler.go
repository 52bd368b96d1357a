package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/praxos/quictun/internal/logging"
)

// handle runs the SOCKS5 conversation on one client connection.
func (s *Server) handle(conn net.Conn) error {
	if err := s.negotiate(conn); err != nil {
		return err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	switch req.Cmd {
	case txsocks5.CmdConnect:
		return s.handleConnect(conn, req)
	case txsocks5.CmdUDP:
		return s.handleAssociate(conn, req)
	default:
		writeReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return fmt.Errorf("unsupported command %#x", req.Cmd)
	}
}

// negotiate performs method selection, and username/password
// authentication when the server is configured with credentials.
func (s *Server) negotiate(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if s.cfg.Username != "" {
		if !containsMethod(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != s.cfg.Username || string(urq.Passwd) != s.cfg.Password {
			s.metrics.SOCKS5AuthFailures.Inc()
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return fmt.Errorf("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// handleConnect opens a relay stream to the target and shuttles bytes in
// both directions until either side finishes.
func (s *Server) handleConnect(conn net.Conn, req *txsocks5.Request) error {
	addr, err := requestAddress(req.Atyp, req.DstAddr, req.DstPort)
	if err != nil {
		writeReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		return err
	}

	start := time.Now()
	stream, err := s.client.Connect(context.Background(), addr)
	if err != nil {
		writeReply(conn, txsocks5.RepHostUnreachable, req.Atyp)
		return fmt.Errorf("relay connect to %s: %w", addr, err)
	}
	defer func() {
		stream.Close()
		s.client.StreamClosed()
	}()

	if err := writeSuccessReply(conn, conn.LocalAddr()); err != nil {
		return err
	}

	var sent, received int64
	g := new(errgroup.Group)

	g.Go(func() error {
		n, err := io.Copy(stream, conn)
		sent = n
		// Half-close toward the relay so the target sees EOF while
		// return traffic can still flow.
		if finErr := stream.Finish(); finErr != nil && err == nil {
			err = finErr
		}
		return err
	})

	g.Go(func() error {
		n, err := io.Copy(conn, stream)
		received = n
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		return err
	})

	err = g.Wait()

	s.logger.Info("connection finished",
		logging.KeyAddress, addr.String(),
		logging.KeyDuration, time.Since(start).Round(time.Millisecond).String(),
		"sent", humanize.Bytes(uint64(sent)),
		"received", humanize.Bytes(uint64(received)))

	return err
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// writeReply writes an error reply with a zero bound address.
func writeReply(conn net.Conn, rep, atyp byte) {
	_, _ = newZeroAddrReply(rep, atyp).WriteTo(conn)
}

// writeSuccessReply writes a success reply using localAddr as the bound
// address.
func writeSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
