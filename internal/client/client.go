// Package client maintains the relay connection and exposes the tunnel
// operations the SOCKS5 front-end is built on: TCP relay streams and UDP
// relay associations.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/praxos/quictun/internal/config"
	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/protocol"
	"github.com/praxos/quictun/internal/transport"
	"github.com/praxos/quictun/internal/tunnel"
	"github.com/praxos/quictun/internal/udp"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// errorCodeShutdown is the application error code sent when the client
// closes the connection deliberately.
const errorCodeShutdown quic.ApplicationErrorCode = 0

// retryBackoff is the pause between relay dial attempts. It is a
// variable so tests can shorten it.
var retryBackoff = time.Second

// Client manages one logical relay connection. The connection is dialed
// lazily on first use, re-dialed after failures, and closed again once
// it has carried no tasks for the configured idle period.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	tasks  *tunnel.TaskRegistry
	assocs *udp.Table
	defrag *udp.Defragmenter

	// dial is swapped out in tests.
	dial func(ctx context.Context, cfg config.RelayConfig) (quic.Connection, error)

	mu     sync.Mutex
	conn   quic.Connection
	stop   context.CancelFunc
	closed bool
}

// New creates a Client. No network activity happens until the first
// Connect or association send.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "client"),
		metrics: m,
		tasks:   tunnel.NewTaskRegistry(),
		assocs:  udp.NewTable(logger, m),
		defrag:  udp.NewDefragmenter(cfg.UDP.ReassemblyTimeout, logger, m),
		dial:    transport.Dial,
	}
}

// ensureConnected returns the live relay connection, dialing and
// authenticating a new one if necessary.
func (c *Client) ensureConnected(ctx context.Context) (quic.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Relay.Retries; attempt++ {
		c.metrics.ConnectAttempts.Inc()

		conn, err := c.dialAndAuthenticate(ctx)
		if err == nil {
			c.conn = conn

			connCtx, cancel := context.WithCancel(context.Background())
			c.stop = cancel
			go c.recvLoop(connCtx, conn)
			go c.idleMonitor(connCtx, conn)

			c.metrics.ConnectionsEstablished.Inc()
			c.logger.Info("connected to relay",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			return conn, nil
		}

		lastErr = err
		c.metrics.ConnectFailures.Inc()
		c.logger.Warn("relay connection attempt failed",
			"attempt", attempt,
			logging.KeyError, err)

		if attempt < c.cfg.Relay.Retries {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("relay unreachable after %d attempts: %w", c.cfg.Relay.Retries, lastErr)
}

func (c *Client) dialAndAuthenticate(ctx context.Context) (quic.Connection, error) {
	conn, err := c.dial(ctx, c.cfg.Relay)
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(ctx, conn); err != nil {
		conn.CloseWithError(errorCodeShutdown, "authentication failed")
		return nil, err
	}

	return conn, nil
}

// authenticate sends the token digest on a fresh unidirectional stream.
// The relay drops the connection if the digest does not match; there is
// no explicit acknowledgment.
func (c *Client) authenticate(ctx context.Context, conn quic.Connection) (err error) {
	str, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open authentication stream: %w", err)
	}
	defer func() {
		if closeErr := str.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to finish authentication stream: %w", closeErr)
		}
	}()

	hdr := protocol.NewAuthenticateHeader(c.cfg.TokenHash())
	buf, err := hdr.Encode()
	if err != nil {
		return err
	}
	if _, err := str.Write(buf); err != nil {
		return fmt.Errorf("failed to send authentication: %w", err)
	}
	return nil
}

// Connect opens a relay stream to addr. The returned stream keeps the
// connection alive until it is closed.
func (c *Client) Connect(ctx context.Context, addr protocol.Address) (*tunnel.Stream, error) {
	tx := tunnel.NewConnectTx(c.tasks.Register(), addr)

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		tx.Sent()
		return nil, err
	}

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		tx.Sent()
		c.metrics.StreamErrors.Inc()
		return nil, fmt.Errorf("failed to open relay stream: %w", err)
	}

	hdr := tx.Header()
	buf, err := hdr.Encode()
	if err != nil {
		tx.Sent()
		str.CancelWrite(0)
		str.CancelRead(0)
		return nil, err
	}
	if _, err := str.Write(buf); err != nil {
		tx.Sent()
		str.CancelRead(0)
		c.metrics.StreamErrors.Inc()
		return nil, fmt.Errorf("failed to send connect header: %w", err)
	}
	tx.Sent()

	c.metrics.StreamsOpened.Inc()
	c.metrics.StreamsActive.Inc()
	c.logger.Debug("relay stream opened",
		logging.KeyStreamID, int64(str.StreamID()),
		logging.KeyAddress, addr.String())

	return tunnel.NewStream(str, c.tasks.Register(), c.tasks.Register()), nil
}

// StreamClosed records the end of a relay stream opened by Connect.
func (c *Client) StreamClosed() {
	c.metrics.StreamsClosed.Inc()
	c.metrics.StreamsActive.Dec()
}

// OpenAssociation creates a UDP relay association. Reassembled return
// datagrams are handed to deliver. The association holds a task handle
// until Close is called on the returned handle.
func (c *Client) OpenAssociation(deliver udp.DeliverFunc) (*AssociationHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	assoc, err := c.assocs.Open(deliver)
	if err != nil {
		return nil, err
	}

	return &AssociationHandle{
		client: c,
		assoc:  assoc,
		task:   c.tasks.Register(),
	}, nil
}

// sendPacket fragments one outbound datagram and sends each fragment as
// a QUIC datagram on the relay connection.
func (c *Client) sendPacket(ctx context.Context, assoc *udp.Association, addr protocol.Address, payload []byte) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	tx := tunnel.NewPacketTx(assoc.ID(), assoc.NextPktID(), addr, c.cfg.UDP.MaxPacketSize)
	frags, err := tx.IntoFragments(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrPacketTooLarge) {
			c.metrics.PacketsTooLarge.Inc()
		}
		return err
	}

	for {
		hdr, chunk, ok := frags.Next()
		if !ok {
			break
		}
		buf, err := hdr.Encode()
		if err != nil {
			return err
		}
		msg := make([]byte, 0, len(buf)+len(chunk))
		msg = append(msg, buf...)
		msg = append(msg, chunk...)
		if err := conn.SendDatagram(msg); err != nil {
			return fmt.Errorf("failed to send fragment %d/%d: %w", hdr.FragID+1, hdr.FragTotal, err)
		}
		c.metrics.FragmentsSent.Inc()
	}

	if frags.Total() > 1 {
		c.metrics.PacketsFragmented.Inc()
	}
	c.metrics.BytesSent.Add(float64(len(payload)))
	return nil
}

// recvLoop reads QUIC datagrams from the relay, reassembles them, and
// routes completed packets to their associations. It exits when the
// connection dies or the client shuts down.
func (c *Client) recvLoop(ctx context.Context, conn quic.Connection) {
	for {
		msg, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			c.handleConnLost(conn, err)
			return
		}

		hdr, consumed, err := protocol.DecodePacketHeader(msg)
		if err != nil {
			c.metrics.MalformedHeaders.Inc()
			c.logger.Debug("dropping malformed datagram", logging.KeyError, err)
			continue
		}
		payload := msg[consumed:]

		c.metrics.FragmentsReceived.Inc()

		dg, err := c.defrag.Feed(hdr, payload)
		if err != nil {
			c.logger.Debug("dropping fragment",
				logging.KeyAssocID, hdr.AssocID,
				logging.KeyPktID, hdr.PktID,
				logging.KeyFragID, hdr.FragID,
				logging.KeyError, err)
			continue
		}
		if dg == nil {
			continue
		}

		c.metrics.BytesReceived.Add(float64(len(dg.Payload)))
		c.assocs.Deliver(dg)
	}
}

// idleMonitor closes the connection once it has carried no outstanding
// tasks for the configured idle period. A zero idle timeout keeps the
// connection open until the client shuts down.
func (c *Client) idleMonitor(ctx context.Context, conn quic.Connection) {
	idle := c.cfg.Relay.IdleTimeout
	if idle <= 0 {
		return
	}

	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case now := <-ticker.C:
			if c.tasks.Outstanding() > 0 {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = now
				continue
			}
			if now.Sub(idleSince) < idle {
				continue
			}

			c.mu.Lock()
			// Re-check under the lock so a task registered after the
			// read above wins over the shutdown.
			if c.tasks.Outstanding() > 0 || c.conn != conn {
				c.mu.Unlock()
				idleSince = time.Time{}
				continue
			}
			c.conn = nil
			c.mu.Unlock()

			conn.CloseWithError(errorCodeShutdown, "idle")
			c.metrics.ConnectionsClosed.WithLabelValues("idle").Inc()
			c.logger.Info("closed idle relay connection")
			return
		}
	}
}

// handleConnLost clears the stored connection after a receive failure so
// the next operation re-dials.
func (c *Client) handleConnLost(conn quic.Connection, err error) {
	c.mu.Lock()
	cleared := c.conn == conn
	if cleared {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if cleared && !closed {
		c.metrics.ConnectionsClosed.WithLabelValues("lost").Inc()
		c.logger.Warn("relay connection lost", logging.KeyError, err)
	}
}

// Outstanding reports the number of live tasks. Exposed for the idle
// logic's tests and for operational visibility.
func (c *Client) Outstanding() int64 {
	return c.tasks.Outstanding()
}

// Close shuts the client down and closes any live relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.CloseWithError(errorCodeShutdown, "client shutdown")
		c.metrics.ConnectionsClosed.WithLabelValues("shutdown").Inc()
	}
	return nil
}

// AssociationHandle is the front-end's grip on one UDP relay
// association: it sends datagrams and pins the connection alive.
type AssociationHandle struct {
	client *Client
	assoc  *udp.Association
	task   *tunnel.Task
	closed sync.Once
}

// ID returns the association's wire identifier.
func (h *AssociationHandle) ID() uint16 {
	return h.assoc.ID()
}

// SendPacket relays one UDP datagram to addr.
func (h *AssociationHandle) SendPacket(ctx context.Context, addr protocol.Address, payload []byte) error {
	return h.client.sendPacket(ctx, h.assoc, addr, payload)
}

// Close tears the association down and releases its task handle.
func (h *AssociationHandle) Close() error {
	h.closed.Do(func() {
		h.assoc.Close()
		h.task.Done()
	})
	return nil
}
