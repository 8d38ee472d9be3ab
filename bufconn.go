package goodmitm

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/josexy/goodmitm/buf"
)

// bufConn lets the dispatcher peek at the first bytes of a connection
// without losing them.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufConn(c net.Conn) *bufConn {
	if bc, ok := c.(*bufConn); ok {
		return bc
	}
	return &bufConn{Conn: c, r: bufio.NewReader(c)}
}

func (c *bufConn) Peek(n int) ([]byte, error) { return c.r.Peek(n) }

func (c *bufConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// trackedConn is an accepted connection known to Shutdown.
type trackedConn struct {
	net.Conn
	idle atomic.Bool
}

var http2BodyBufferPool = buf.NewBytes(4 * 1024)

func acquireHTTP2BodyBuffer() *[]byte       { return http2BodyBufferPool.Get() }
func releaseHTTP2BodyBuffer(buffer *[]byte) { http2BodyBufferPool.Put(buffer) }
