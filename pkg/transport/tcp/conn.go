package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kalifun/fleetlink/errors"
)

// Conn is a line-framed device connection. Send is safe for concurrent use;
// records written by different goroutines never interleave.
type Conn struct {
	conn        net.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closeErr    error
}

func newConn(c net.Conn, readTimeout time.Duration) *Conn {
	return &Conn{conn: c, readTimeout: readTimeout}
}

// Dial connects to a relay.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.ConnectionFailed.Wrap(err)
	}
	return newConn(c, 0), nil
}

// Send writes one record, appending the line terminator if raw lacks it.
func (c *Conn) Send(ctx context.Context, raw []byte) error {
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		raw = append(append(make([]byte, 0, len(raw)+1), raw...), '\n')
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(raw); err != nil {
		return errors.PublishFailed.Wrap(err)
	}
	return nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.conn.Read(p)
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
