// Package config holds the settings collaborator: maxConnections,
// minConnections, pipeliningLimit, the response entity subscription
// timeout, and the connection idle/lifetime timeouts the runtime
// applies. Modeled on PoolConfig/DefaultPoolConfig
// (pkg/shockwave/client/pool.go).
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/shockwave-http/slotpool/pkg/shockwave/socket"
)

// Settings configures one Dispatcher targeting a single host.
type Settings struct {
	// MaxConnections is the number of slots the dispatcher owns. Must be
	// >= 1.
	MaxConnections int

	// MinConnections is the number of slots the dispatcher pre-connects
	// (onPreConnect) when it is constructed. It is applied once, at
	// startup: slots that later drop back to Unconnected are not
	// re-warmed. Must satisfy 0 <= MinConnections <= MaxConnections.
	MinConnections int

	// PipeliningLimit is accepted for documentation parity with the
	// original design but this implementation enforces exactly 1: no
	// slot ever has more than one in-flight request.
	PipeliningLimit int

	// ResponseEntitySubscriptionTimeout bounds how long a dispatched
	// response may sit unsubscribed before the slot force-closes it.
	// Zero means unbounded.
	ResponseEntitySubscriptionTimeout time.Duration

	// IdleConnTimeout closes a slot's connection after it has sat Idle
	// this long. Zero means no idle timeout.
	IdleConnTimeout time.Duration

	// MaxConnLifetime closes a slot's connection once it has existed
	// this long. It is enforced only while the slot is Idle: a connection
	// mid-exchange is not interrupted and is reaped the next time it
	// becomes Idle. Zero means no lifetime cap.
	MaxConnLifetime time.Duration

	// DialTimeout bounds TCP/TLS connection establishment.
	DialTimeout time.Duration

	// MaxRetries is the retriesLeft budget assigned to a RequestContext
	// when it first enters the dispatcher. retriesLeft is
	// caller/dispatcher-supplied, not part of the state machine's own
	// contract.
	MaxRetries int

	// TLSConfig is used when dialing an https:// target. Nil means an
	// http:// target is dialed in cleartext and an https:// target uses
	// shocktls.NewConfig()'s client defaults with ServerName from the URL.
	TLSConfig *tls.Config

	// Socket carries platform TCP tuning (TCP_NODELAY, buffer sizes,
	// keepalive) applied to every dialed connection. Nil means
	// socket.DefaultConfig().
	Socket *socket.Config
}

// Default returns sensible defaults for a single-host connection pool,
// mirroring DefaultPoolConfig.
func Default() Settings {
	return Settings{
		MaxConnections:                    32,
		MinConnections:                    0,
		PipeliningLimit:                   1,
		ResponseEntitySubscriptionTimeout: 10 * time.Second,
		IdleConnTimeout:                   90 * time.Second,
		MaxConnLifetime:                   0,
		DialTimeout:                       30 * time.Second,
		MaxRetries:                        2,
		Socket:                            socket.DefaultConfig(),
	}
}

// Validate checks the invariants required of Settings.
func (s Settings) Validate() error {
	if s.MaxConnections < 1 {
		return errors.New("config: MaxConnections must be >= 1")
	}
	if s.MinConnections < 0 || s.MinConnections > s.MaxConnections {
		return fmt.Errorf("config: MinConnections must satisfy 0 <= min <= max (got %d, max %d)", s.MinConnections, s.MaxConnections)
	}
	if s.PipeliningLimit != 1 {
		return fmt.Errorf("config: PipeliningLimit must be 1, pipelining is not supported (got %d)", s.PipeliningLimit)
	}
	if s.ResponseEntitySubscriptionTimeout < 0 {
		return errors.New("config: ResponseEntitySubscriptionTimeout must be >= 0")
	}
	if s.MaxRetries < 0 {
		return errors.New("config: MaxRetries must be >= 0")
	}
	return nil
}
