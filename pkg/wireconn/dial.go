// Package wireconn is the connection-factory collaborator a slot calls
// into to dial, tune, and eventually tear down the one TCP/TLS
// connection it owns (onPreConnect/onConnectionAttempt*).
//
// Modeled on pkg/shockwave/client (dial + pool.go's createConnection)
// and pkg/shockwave/socket (tuning.go), adapted from a multi-host
// connection pool down to a single-connection factory: the dispatcher
// and slot state machine already own pooling and lifecycle, so this
// package's job ends at "produce one tuned net.Conn" and "read one
// response off it".
package wireconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	shocksock "github.com/shockwave-http/slotpool/pkg/shockwave/socket"
	shocktls "github.com/shockwave-http/slotpool/pkg/shockwave/tls"
)

// Dialer dials and tunes connections to a single upstream host, the
// way ConnectionPool.createConnection did per-host before being
// generalized across hosts.
type Dialer struct {
	Target      *url.URL
	DialTimeout time.Duration
	TLSConfig   *tls.Config
	Socket      *shocksock.Config
}

// NewDialer builds a Dialer targeting target (scheme://host[:port]).
// A nil tlsConfig means target must be http://; dialing an https://
// target with a nil tlsConfig falls back to shocktls.NewConfig()'s
// client defaults with ServerName set from the URL host.
func NewDialer(target *url.URL, dialTimeout time.Duration, tlsConfig *tls.Config, socketCfg *shocksock.Config) *Dialer {
	if socketCfg == nil {
		socketCfg = shocksock.DefaultConfig()
	}
	if tlsConfig == nil && target.Scheme == "https" {
		tlsConfig = shocktls.NewConfig().WithServerName(target.Hostname()).Build()
	}
	return &Dialer{
		Target:      target,
		DialTimeout: dialTimeout,
		TLSConfig:   tlsConfig,
		Socket:      socketCfg,
	}
}

// hostPort returns the dial address, filling in the scheme's default
// port when the URL omits one.
func (d *Dialer) hostPort() string {
	if d.Target.Port() != "" {
		return d.Target.Host
	}
	if d.Target.Scheme == "https" {
		return net.JoinHostPort(d.Target.Hostname(), "443")
	}
	return net.JoinHostPort(d.Target.Hostname(), "80")
}

// Dial establishes and tunes one connection. This is the effect behind
// a slot's onPreConnect/onNewRequest-triggered dial: the slot runtime
// calls it, then feeds the result back in as
// onConnectionAttemptSucceeded/Failed.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.DialTimeout}

	addr := d.hostPort()

	var conn net.Conn
	var err error
	if d.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("wireconn: dial %s: %w", addr, err)
	}

	if tuneErr := shocksock.Apply(underlyingTCPConn(conn), d.Socket); tuneErr != nil {
		conn.Close()
		return nil, fmt.Errorf("wireconn: tune %s: %w", addr, tuneErr)
	}

	return conn, nil
}

// underlyingTCPConn unwraps a *tls.Conn to the *net.TCPConn beneath it
// so socket.Apply can reach the raw file descriptor. Plain-TCP conns
// pass through unchanged.
func underlyingTCPConn(conn net.Conn) net.Conn {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return tlsConn.NetConn()
	}
	return conn
}

// RefreshQuickAck re-arms TCP_QUICKACK on conn after a read, since the
// kernel clears it on the next outgoing ACK. A slot calls this after
// every response it reads, the documented usage for a non-sticky
// socket option; cfg controls whether it's a no-op.
func RefreshQuickAck(conn net.Conn, cfg *shocksock.Config) error {
	return shocksock.RefreshQuickAck(underlyingTCPConn(conn), cfg)
}

// TCPDiagnostics reads getsockopt(TCP_INFO) off conn, for logging why a
// connection got reaped. Returns nil, nil on connection types that do
// not sit on a *net.TCPConn. On platforms without TCP_INFO support
// (Darwin, and those covered by tuning_other.go) it returns a
// zero-valued SocketInfo, not nil.
func TCPDiagnostics(conn net.Conn) (*shocksock.SocketInfo, error) {
	tcpConn, ok := underlyingTCPConn(conn).(*net.TCPConn)
	if !ok {
		return nil, nil
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var info *shocksock.SocketInfo
	var infoErr error
	if ctlErr := rawConn.Control(func(fd uintptr) {
		info, infoErr = shocksock.GetTCPInfo(int(fd))
	}); ctlErr != nil {
		return nil, ctlErr
	}
	return info, infoErr
}
