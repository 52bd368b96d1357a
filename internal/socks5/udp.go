package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/protocol"
)

// maxUDPDatagram bounds one SOCKS5-encapsulated datagram from the
// client. 64 KiB covers the largest UDP payload plus the SOCKS5 header.
const maxUDPDatagram = 65535 + 262

// handleAssociate services a UDP ASSOCIATE request. The TCP connection
// only pins the association's lifetime; datagrams flow over a dedicated
// local UDP socket.
func (s *Server) handleAssociate(conn net.Conn, req *txsocks5.Request) error {
	// Use "udp4" to force IPv4 - a dual-stack socket reports [::] as
	// the local address and confuses some SOCKS5 clients.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		writeReply(conn, txsocks5.RepServerFailure, req.Atyp)
		return fmt.Errorf("create UDP socket: %w", err)
	}
	defer udpConn.Close()

	relay := &udpRelay{server: s, udpConn: udpConn}

	assoc, err := s.client.OpenAssociation(relay.deliver)
	if err != nil {
		writeReply(conn, txsocks5.RepServerFailure, req.Atyp)
		return fmt.Errorf("open association: %w", err)
	}
	defer assoc.Close()
	relay.assoc = assoc

	if err := writeSuccessReply(conn, udpConn.LocalAddr()); err != nil {
		return err
	}

	s.logger.Debug("UDP association opened",
		logging.KeyAssocID, assoc.ID(),
		logging.KeyLocalAddr, udpConn.LocalAddr().String())

	go relay.readLoop()

	// RFC 1928: the association lives as long as the TCP connection.
	_, err = io.Copy(io.Discard, conn)

	s.logger.Debug("UDP association closed", logging.KeyAssocID, assoc.ID())
	return err
}

// udpRelay shuttles datagrams between the local UDP socket and one relay
// association.
type udpRelay struct {
	server  *Server
	udpConn *net.UDPConn
	assoc   interface {
		ID() uint16
		SendPacket(ctx context.Context, addr protocol.Address, payload []byte) error
	}

	mu         sync.Mutex
	clientAddr *net.UDPAddr
}

// readLoop forwards client datagrams to the relay until the socket
// closes.
func (r *udpRelay) readLoop() {
	buf := make([]byte, maxUDPDatagram)
	for {
		n, from, err := r.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		dgram, err := txsocks5.NewDatagramFromBytes(buf[:n])
		if err != nil {
			r.server.logger.Debug("dropping malformed SOCKS5 datagram",
				logging.KeyRemoteAddr, from.String(),
				logging.KeyError, err)
			continue
		}
		// Client-side fragmentation (FRAG != 0) is not supported;
		// the tunnel does its own fragmentation.
		if dgram.Frag != 0 {
			r.server.logger.Debug("dropping fragmented SOCKS5 datagram",
				logging.KeyRemoteAddr, from.String())
			continue
		}

		addr, err := requestAddress(dgram.Atyp, dgram.DstAddr, dgram.DstPort)
		if err != nil {
			r.server.logger.Debug("dropping datagram with bad target",
				logging.KeyError, err)
			continue
		}

		r.mu.Lock()
		r.clientAddr = from
		r.mu.Unlock()

		if err := r.assoc.SendPacket(context.Background(), addr, dgram.Data); err != nil {
			r.server.logger.Warn("failed to relay datagram",
				logging.KeyAssocID, r.assoc.ID(),
				logging.KeyAddress, addr.String(),
				logging.KeyError, err)
		}
	}
}

// deliver sends one reassembled return datagram back to the SOCKS5
// client, wrapped in the SOCKS5 UDP header.
func (r *udpRelay) deliver(addr protocol.Address, payload []byte) {
	r.mu.Lock()
	clientAddr := r.clientAddr
	r.mu.Unlock()
	if clientAddr == nil {
		// No datagram from the client yet, nowhere to send this.
		return
	}

	atyp, dstAddr, dstPort, err := replyAddress(addr)
	if err != nil {
		r.server.logger.Debug("dropping return datagram",
			logging.KeyAssocID, r.assoc.ID(),
			logging.KeyError, err)
		return
	}

	dgram := txsocks5.NewDatagram(atyp, dstAddr, dstPort, payload)
	if _, err := r.udpConn.WriteToUDP(dgram.Bytes(), clientAddr); err != nil {
		r.server.logger.Debug("failed to write return datagram",
			logging.KeyAssocID, r.assoc.ID(),
			logging.KeyError, err)
	}
}
