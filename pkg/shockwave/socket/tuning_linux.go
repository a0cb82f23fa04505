//go:build linux
// +build linux

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options
// These constants may not be defined in older Go versions' syscall package
const (
	// TCP_QUICKACK - Send immediate ACK (disable delayed ACK)
	// Reduces latency by eliminating 40ms delayed ACK timer
	// Must be set per-connection (not persistent)
	TCP_QUICKACK = 12

	// TCP_DEFER_ACCEPT - Only wake server when data arrives
	// Reduces context switches and improves server efficiency
	// Value is timeout in seconds
	TCP_DEFER_ACCEPT = 9

	// TCP_FASTOPEN - Enable TCP Fast Open
	// Reduces connection establishment latency by one RTT
	// Value is queue length for listener
	TCP_FASTOPEN = 23

	// TCP_FASTOPEN_CONNECT - Enable TFO for client connections
	TCP_FASTOPEN_CONNECT = 30

	// TCP_USER_TIMEOUT - Maximum time to retransmit unacknowledged data
	// Helps detect dead connections faster
	TCP_USER_TIMEOUT = 18

	// TCP_KEEPIDLE - Time before first keepalive probe
	TCP_KEEPIDLE = 4

	// TCP_KEEPINTVL - Interval between keepalive probes
	TCP_KEEPINTVL = 5

	// TCP_KEEPCNT - Number of keepalive probes before giving up
	TCP_KEEPCNT = 6
)

// applyPlatformOptions applies Linux-specific socket options.
// Called from Apply() in tuning.go.
func applyPlatformOptions(fd int, cfg *Config) {
	// TCP_QUICKACK - Immediate ACKs for low latency
	// NOTE: This option is NOT persistent. It gets cleared after each ACK.
	// For persistent QuickACK, you'd need to set it after each read.
	// Here we set it once as a best-effort optimization.
	if cfg.QuickAck {
		_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_QUICKACK, 1)
	}

	// TCP_USER_TIMEOUT - Detect dead connections faster (10 seconds)
	// This helps clean up zombie connections quickly
	_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_USER_TIMEOUT, 10000)

	// Fine-tune keepalive parameters if enabled
	if cfg.KeepAlive {
		// Start probing after 60 seconds of idle
		_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_KEEPIDLE, 60)

		// Probe every 10 seconds
		_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_KEEPINTVL, 10)

		// Give up after 3 failed probes (total: 60 + 3*10 = 90 seconds)
		_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_KEEPCNT, 3)
	}
}

// SetQuickAck sets TCP_QUICKACK on a file descriptor.
// This should be called after each read operation to maintain QuickACK behavior.
// Returns error only if the syscall fails.
func SetQuickAck(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, TCP_QUICKACK, 1)
}

// SocketInfo is the subset of getsockopt(TCP_INFO) worth logging when a
// connection gets reaped.
type SocketInfo struct {
	State        uint8
	Retransmits  uint8
	RTT          uint32 // microseconds
	RTTVar       uint32 // microseconds
	SndCwnd      uint32
	TotalRetrans uint32
}

// GetTCPInfo retrieves TCP_INFO for fd.
func GetTCPInfo(fd int) (*SocketInfo, error) {
	info, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return nil, err
	}
	return &SocketInfo{
		State:        info.State,
		Retransmits:  info.Retransmits,
		RTT:          info.Rtt,
		RTTVar:       info.Rttvar,
		SndCwnd:      info.Snd_cwnd,
		TotalRetrans: info.Total_retrans,
	}, nil
}
