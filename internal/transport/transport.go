package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const keepAlivePeriod = 30 * time.Second

// listenConfig enables address and port reuse so a restarted node can
// rebind its well-known ports without waiting out TIME_WAIT.
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr != nil {
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// Connection is one TCP stream carrying framed protocol messages.
// Reads are full reads: a short read is a transport error, never a
// partial result.
type Connection struct {
	conn net.Conn
}

func newConnection(conn net.Conn) *Connection {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	return &Connection{conn: conn}
}

// Wrap adapts an existing net.Conn (used by tests with pipes).
func Wrap(conn net.Conn) *Connection {
	return &Connection{conn: conn}
}

// Dial opens a connection to ip:port. Dialing blocks; failures are
// reported to the caller.
func Dial(ip string, port uint16) (*Connection, error) {
	conn, err := net.Dial("tcp4", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", ip, port, err)
	}
	return newConnection(conn), nil
}

// ReadFull fills buf completely or fails.
func (c *Connection) ReadFull(buf []byte) error {
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("read %d bytes: %w", len(buf), err)
	}
	return nil
}

// Write sends buf completely or fails.
func (c *Connection) Write(buf []byte) error {
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write %d bytes: %w", len(buf), err)
	}
	return nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Listener accepts client or cluster connections on an IPv4 TCP port.
type Listener struct {
	l net.Listener
}

// Listen binds 0.0.0.0:port with address and port reuse enabled.
// Port 0 binds an ephemeral port; see Port.
func Listen(port uint16) (*Listener, error) {
	l, err := listenConfig.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return &Listener{l: l}, nil
}

func (l *Listener) Accept() (*Connection, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newConnection(conn), nil
}

// Port reports the actually bound port.
func (l *Listener) Port() uint16 {
	return uint16(l.l.Addr().(*net.TCPAddr).Port)
}

func (l *Listener) Close() error {
	return l.l.Close()
}
