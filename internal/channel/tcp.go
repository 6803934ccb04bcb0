package channel

import (
	"context"
	"fmt"
	"net"
	"time"

	"pwncat/internal/errs"
)

// tcpChannel implements Channel over a plain net.Conn (TCP, or a TLS
// connection — crypto/tls.Conn satisfies the same rawConn surface, so
// ssl-connect/ssl-bind reuse this type with a different dialer).
type tcpChannel struct {
	peekBuf
	conn     net.Conn
	proto    Protocol
	host     string
	port     int
	deadline time.Time
	closed   bool
}

// Dial implements the "connect" protocol variant: outbound TCP to
// (host, port).
func Dial(host string, port int) (Channel, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, &errs.TransportError{Op: "connect", Err: err}
	}
	return &tcpChannel{conn: conn, proto: ProtoConnect, host: host, port: port}, nil
}

// DialTLS implements "ssl-connect".
func DialTLS(host string, port int, conn net.Conn) Channel {
	return &tcpChannel{conn: conn, proto: ProtoSSLConnect, host: host, port: port}
}

// fromAccepted wraps an accepted net.Conn for the bind/ssl-bind
// variants; the Listener supplies proto.
func fromAccepted(conn net.Conn, proto Protocol) Channel {
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return &tcpChannel{conn: conn, proto: proto, host: host, port: port}
}

func (c *tcpChannel) Send(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if err != nil {
		return n, &errs.TransportError{Op: "send", Err: err}
	}
	return n, nil
}

func (c *tcpChannel) Recv(max int) ([]byte, error) {
	return recvCommon(&c.peekBuf, c.conn, max)
}

func (c *tcpChannel) Peek(max int) ([]byte, error) {
	return peekCommon(&c.peekBuf, c.conn, max)
}

func (c *tcpChannel) RecvUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return recvUntilCommon(ctx, c.Recv, c.peekBuf.unread, delim)
}

func (c *tcpChannel) Drain() error {
	c.peekBuf.drop()
	c.SetNonBlocking(true)
	for {
		if _, err := c.Recv(4096); err != nil {
			break
		}
	}
	c.SetNonBlocking(false)
	// recvCommon already clears the read deadline after every
	// non-blocking probe it performs, but reset it once more here
	// explicitly: leaving this loop with a stale past deadline on the
	// conn would make the very next blocking Recv/RecvUntil fail
	// immediately with TimeoutError instead of blocking (e.g.
	// pty.go's SyncWinsize calling Drain mid-InteractiveLoop).
	c.conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *tcpChannel) SetNonBlocking(nonBlocking bool) {
	c.peekBuf.mu.Lock()
	c.peekBuf.nonBlocking = nonBlocking
	c.peekBuf.mu.Unlock()
}

func (c *tcpChannel) SetDeadline(t time.Time) error {
	c.deadline = t
	return c.conn.SetDeadline(t)
}

func (c *tcpChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *tcpChannel) Host() string       { return c.host }
func (c *tcpChannel) Port() int          { return c.port }
func (c *tcpChannel) Connected() bool    { return !c.closed }
func (c *tcpChannel) Protocol() Protocol { return c.proto }
