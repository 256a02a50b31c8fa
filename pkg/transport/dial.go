package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/blockcdp/internal/logger"
)

// SocketOptions configure client and server connections. When
// keepalive is enabled, socket-level read/write timeouts are disabled
// in favor of the TCP probes.
type SocketOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	KeepAlive      bool
	KeepAliveIdle  time.Duration
	KeepAliveIntvl time.Duration
	KeepAliveCount int
}

// DefaultSocketOptions mirror the daemon defaults.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		KeepAliveIdle:  60 * time.Second,
		KeepAliveIntvl: 10 * time.Second,
		KeepAliveCount: 10,
	}
}

// Apply configures an accepted or dialed TCP connection.
func (o SocketOptions) Apply(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if o.KeepAlive {
		cfg := net.KeepAliveConfig{
			Enable:   true,
			Idle:     o.KeepAliveIdle,
			Interval: o.KeepAliveIntvl,
			Count:    o.KeepAliveCount,
		}
		if err := tc.SetKeepAliveConfig(cfg); err != nil {
			return fmt.Errorf("set keepalive: %w", err)
		}
		return nil
	}
	now := time.Now()
	if o.ReadTimeout > 0 {
		if err := tc.SetReadDeadline(now.Add(o.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}
	if o.WriteTimeout > 0 {
		if err := tc.SetWriteDeadline(now.Add(o.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return nil
}

// Refresh pushes the deadlines forward on a long-lived connection.
// No-op when keepalive is active.
func (o SocketOptions) Refresh(conn net.Conn) error {
	if o.KeepAlive {
		return nil
	}
	return o.Apply(conn)
}

// Dial connects to addr with a bounded exponential backoff retry.
func Dial(addr string, opts SocketOptions) (net.Conn, error) {
	var conn net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = opts.ConnectTimeout

	op := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, opts.ConnectTimeout)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("dial retry", logger.KeyAddr, addr, logger.KeyError, err.Error(), "wait", wait.String())
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := opts.Apply(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
