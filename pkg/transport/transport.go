// Package transport dials the origin connections used by the upstream
// session (C4): a plain TCP dial for "http" targets, or a TCP dial followed
// by a TLS handshake for "https" targets and CONNECT tunnels.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/tacnode/warcmitm/pkg/perr"
	"github.com/tacnode/warcmitm/pkg/timing"
	"github.com/tacnode/warcmitm/pkg/tlsconfig"
)

// Config describes one origin dial. SNI always follows Host and verification
// always goes against the system trust store: the proxy has no pinning or
// SNI-override configuration surface.
type Config struct {
	Host string
	Port int

	// UseTLS dials plain TCP then layers a TLS client handshake, used both
	// for https:// absolute-form requests and for CONNECT tunnels.
	UseTLS bool

	// InsecureSkipVerify disables origin certificate verification. Exposed
	// for test fixtures that dial a self-signed listener; production dials
	// always verify.
	InsecureSkipVerify bool

	// ConnectTimeout bounds the TCP dial; zero uses proxyconf.DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// ConnectionMetadata reports what a dial actually negotiated, for logging.
type ConnectionMetadata struct {
	RemoteAddr     string
	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSResumed     bool
}

// Dial connects to an origin per cfg, returning the established connection
// (TLS-wrapped when cfg.UseTLS) and metadata for logging/timing.
func Dial(ctx context.Context, cfg Config, timer *timing.Timer) (net.Conn, *ConnectionMetadata, error) {
	port := cfg.Port
	if port == 0 {
		port = 80
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	conn, err := connectTCP(ctx, addr, cfg.ConnectTimeout, timer)
	if err != nil {
		return nil, nil, perr.NewUpstreamConnectError(addr, err)
	}

	meta := &ConnectionMetadata{RemoteAddr: conn.RemoteAddr().String()}

	if !cfg.UseTLS {
		return conn, meta, nil
	}

	tlsConn, err := upgradeTLS(ctx, conn, cfg, timer, meta)
	if err != nil {
		return nil, nil, perr.NewUpstreamConnectError(addr, err)
	}
	return tlsConn, meta, nil
}

func connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	return conn, nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timer *timing.Timer, metadata *ConnectionMetadata) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := cfg.ConnectTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsCfg := tlsconfig.OriginConfig(cfg.Host, cfg.InsecureSkipVerify)
	metadata.TLSServerName = tlsCfg.ServerName

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		conn.Close()
		return nil, err
	}

	state := tlsConn.ConnectionState()
	metadata.TLSVersion = tlsconfig.GetVersionName(state.Version)
	metadata.TLSCipherSuite = tlsconfig.GetCipherSuiteName(state.CipherSuite)
	metadata.TLSResumed = state.DidResume

	return tlsConn, nil
}
