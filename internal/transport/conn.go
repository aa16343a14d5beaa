package transport

import (
	"fmt"
	"net"
	"time"
)

// Conn wraps a TCP connection with frame-level read/write and a per-call
// deadline, matching the teacher's one-connection-per-peer model generalized
// from HTTP keep-alive to a raw, persistent socket.
type Conn struct {
	net.Conn
	Timeout time.Duration
}

// Dial opens a new reliable-channel connection to addr.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Conn{Conn: c, Timeout: timeout}, nil
}

// Send writes f, applying the connection's write timeout.
func (c *Conn) Send(f Frame) error {
	if c.Timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	}
	return WriteFrame(c.Conn, f)
}

// Receive reads the next frame, applying the connection's read timeout.
func (c *Conn) Receive() (Frame, error) {
	if c.Timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}
	return ReadFrame(c.Conn)
}

// Request sends f and waits for the single response frame that follows,
// the common request/response shape used by every opcode pair in §4.1.
func (c *Conn) Request(f Frame) (Frame, error) {
	if err := c.Send(f); err != nil {
		return Frame{}, err
	}
	return c.Receive()
}
