// Package transport dials the QUIC connection to the relay server.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/praxos/quictun/internal/config"
)

// ALPNProtocol is the ALPN identifier negotiated with the relay.
const ALPNProtocol = "quictun/1"

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 15 * time.Second
)

// ClientTLSConfig builds the TLS configuration for relay connections.
func ClientTLSConfig(cfg config.RelayConfig) (*tls.Config, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid relay address %q: %w", cfg.Address, err)
		}
		serverName = host
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CA != "" {
		pool, err := LoadCAPool(cfg.CA)
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = pool
	}

	return tlsConf, nil
}

// LoadCAPool loads a CA certificate pool from a file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return pool, nil
}

// Dial opens a QUIC connection to the relay. Datagram support is
// negotiated unconditionally; the UDP relay depends on it.
func Dial(ctx context.Context, cfg config.RelayConfig) (quic.Connection, error) {
	tlsConf, err := ClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.Address
	if cfg.IP != "" {
		_, port, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid relay address %q: %w", cfg.Address, err)
		}
		addr = net.JoinHostPort(cfg.IP, port)
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlive,
		EnableDatagrams: true,
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	// 0-RTT trades replay protection on the first flight for a faster
	// reconnect; the relay only accepts idempotent data early.
	if cfg.ReduceRTT {
		conn, err := quic.DialAddrEarly(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("QUIC dial failed: %w", err)
		}
		return conn, nil
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	return conn, nil
}
