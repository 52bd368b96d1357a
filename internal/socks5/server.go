// Package socks5 implements the local SOCKS5 front-end. Every CONNECT
// becomes a relay stream and every UDP ASSOCIATE becomes a relay
// association on the shared client.
package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/praxos/quictun/internal/client"
	"github.com/praxos/quictun/internal/config"
	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
)

// Server is the local SOCKS5 proxy server.
type Server struct {
	cfg     config.SOCKS5Config
	client  *client.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server that tunnels through c.
func NewServer(cfg config.SOCKS5Config, c *client.Client, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:         cfg,
		client:      c,
		logger:      logger.With(logging.KeyComponent, "socks5"),
		metrics:     m,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("SOCKS5 server listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.connections {
			conn.Close()
		}
		s.mu.Unlock()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.connCount.Load()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if !s.cfg.AllowExternal && !isLoopback(conn.RemoteAddr()) {
			s.logger.Warn("rejected external connection",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if s.cfg.MaxConnections > 0 && s.connCount.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.trackConn(conn, true)
		s.metrics.SOCKS5ConnectionsTotal.Inc()
		s.metrics.SOCKS5ConnectionsActive.Inc()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn handles a single connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.trackConn(conn, false)
	defer s.metrics.SOCKS5ConnectionsActive.Dec()
	defer conn.Close()

	if err := s.handle(conn); err != nil {
		s.logger.Debug("connection ended with error",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
	}
}

// trackConn tracks active connections.
func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.connections[conn] = struct{}{}
		s.connCount.Add(1)
	} else {
		delete(s.connections, conn)
		s.connCount.Add(-1)
	}
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
