// Package backendconn wraps one downstream TCP socket to a backend
// memcached host: a mutex-protected net.Conn plus buffered reader/writer,
// the reconnect-on-demand resource in spec.md §5 ("A downstream socket is
// opened lazily on first use and reused across requests until it
// closes."). Adapted from the teacher's internal/connection.Upstream,
// which wraps the single shared upstream pool connection the same way.
package backendconn

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	apperrors "github.com/memcachedproxy/memcachedproxy/pkg/errors"
)

// Config sizes the buffered reader/writer wrapping the raw socket.
type Config struct {
	ReadBuf  int
	WriteBuf int
}

// DefaultConfig returns sane buffer sizes when the caller has none configured.
func DefaultConfig() Config {
	return Config{ReadBuf: 16 * 1024, WriteBuf: 16 * 1024}
}

// Conn is one lazily-dialed, reconnectable socket to a backend host.
type Conn struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	addr string
}

// New creates an unconnected Conn.
func New(cfg Config) *Conn {
	return &Conn{cfg: cfg}
}

// Dialer opens a raw connection to the backend host this Conn represents;
// callers wrap internal/serverset.ServerSet.Dial, which also takes the
// host index, in a closure of this shape.
type Dialer func(ctx context.Context) (net.Conn, error)

// Dial opens the socket via dial, replacing any previous connection.
func (c *Conn) Dial(ctx context.Context, dial Dialer) error {
	raw, err := dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = raw
	c.br = bufio.NewReaderSize(raw, c.cfg.ReadBuf)
	c.bw = bufio.NewWriterSize(raw, c.cfg.WriteBuf)
	c.addr = raw.RemoteAddr().String()
	return nil
}

// Close closes the underlying socket, if any.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.br = nil
		c.bw = nil
	}
}

// IsConnected reports whether a live socket is held.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Addr returns the remote address of the last successful Dial.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Write appends p to the connection's write buffer without flushing,
// mirroring the IO-vector batching of spec.md §4.5.1/§4.5.2: a request's
// header, key, and body are accumulated before one flush.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return apperrors.New(apperrors.CodeDownstreamIO, "backendconn: not connected")
	}
	_, err := c.bw.Write(p)
	return err
}

// Flush drains the write buffer onto the wire.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return apperrors.New(apperrors.CodeDownstreamIO, "backendconn: not connected")
	}
	return c.bw.Flush()
}

// Reader returns the buffered reader for response parsing. It is used
// without holding the Conn's lock: only the socket's single
// response-reading goroutine reads from it.
func (c *Conn) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.br
}

// Backoff computes a jittered reconnect delay between min and max,
// doubling the base delay by a random power-of-two multiplier.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4) // 1, 2, 4, 8
	d := time.Duration(int64(min)*int64(mul)) + time.Duration(rand.Intn(250))*time.Millisecond
	if d > max {
		d = max
	}
	return d
}
