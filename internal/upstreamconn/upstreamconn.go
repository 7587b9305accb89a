// Package upstreamconn wraps one client-facing ("upstream", in spec.md's
// proxy-centric naming) text-protocol connection: the buffered socket,
// its conn_pause/conn_new_cmd state, and the bookkeeping needed by the
// pairing engine (retry count, whether any reply bytes have gone out,
// and the intrusive-list next pointer used by both the PTD wait queue and
// a Downstream's attached-upstream chain). Adapted from the teacher's
// proxy.Client (buffered socket, atomic state) and internal/connection's
// Downstream (per-connection bufio wrapping).
package upstreamconn

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/ascii"
)

// State is the upstream connection's place in the protocol state machine
// spec.md §5 describes (conn_new_cmd / conn_pause / closing).
type State int32

const (
	// StateNewCmd: ready to read and dispatch its next command line.
	StateNewCmd State = iota
	// StatePause: command handed off to a Downstream; waiting on a reply.
	StatePause
	// StateClosing: connection is being torn down.
	StateClosing
)

// Conn is one upstream client's connection and per-command bookkeeping.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	addr string

	state   atomic.Int32
	retries atomic.Int32 // cmd_retries, capped at 1 (spec.md §4.4)
	replied atomic.Bool  // any reply bytes written for the in-flight command

	// pendingCmd is the in-flight command while the connection sits on
	// the wait queue or is attached to a Downstream, so both the pairing
	// engine (compatible-request squashing, spec.md §4.3) and the A2B
	// translator (building the binary request, spec.md §4.5) can read it
	// back.
	pendingCmd     ascii.Command
	pendingVerb    string
	pendingNoReply bool
	pendingItem    *ascii.Item // set only for a storage command's body

	// waitTimer is the wait-queue timeout armed while this connection
	// sits paused on a PTD's wait queue (spec.md §5).
	waitTimer *time.Timer

	// notify is signaled every time this connection transitions back to
	// StateNewCmd, letting the connection's reading goroutine know it is
	// safe to parse and dispatch its next command line.
	notify chan struct{}

	// next chains this Conn into exactly one of: the PTD wait queue, or a
	// Downstream's attached-upstream list. It is never in both at once.
	next *Conn
}

// New wraps conn with buffered IO sized per readBuf/writeBuf.
func New(conn net.Conn, readBuf, writeBuf int) *Conn {
	return &Conn{
		conn:   conn,
		br:     bufio.NewReaderSize(conn, readBuf),
		bw:     bufio.NewWriterSize(conn, writeBuf),
		addr:   conn.RemoteAddr().String(),
		notify: make(chan struct{}, 1),
	}
}

// Addr returns the remote address of the client.
func (c *Conn) Addr() string {
	return c.addr
}

// ReadLine reads one CRLF-or-LF-terminated command line, per spec.md §6
// ("command lines terminated by \r\n").
func (c *Conn) ReadLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// ReadFull reads exactly n bytes, the item-body path for a storage
// command (spec.md §4.5.4).
func (c *Conn) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c.br, buf)
	return buf, err
}

// WriteString queues s on the write buffer without flushing.
func (c *Conn) WriteString(s string) error {
	_, err := c.bw.WriteString(s)
	return err
}

// Flush drains the write buffer onto the wire.
func (c *Conn) Flush() error {
	return c.bw.Flush()
}

// WriteLine writes s followed by the flush, the common case for a
// complete one-shot reply.
func (c *Conn) WriteLine(s string) error {
	if err := c.WriteString(s); err != nil {
		return err
	}
	return c.Flush()
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// State returns the connection's current protocol state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SetState transitions the connection to s. Transitioning to StateNewCmd
// signals Notify, the cue for this connection's reader goroutine that the
// in-flight command is fully resolved and the next line can be read.
func (c *Conn) SetState(s State) {
	c.state.Store(int32(s))
	if s == StateNewCmd {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// WaitDone blocks until this connection's in-flight command resolves
// (SetState(StateNewCmd) signals it).
func (c *Conn) WaitDone() {
	<-c.notify
}

// Retries returns the current cmd_retries count.
func (c *Conn) Retries() int {
	return int(c.retries.Load())
}

// IncrRetries bumps cmd_retries and returns the new value.
func (c *Conn) IncrRetries() int {
	return int(c.retries.Add(1))
}

// ResetCommand clears per-command bookkeeping (retries, replied) ahead of
// reading the connection's next command line.
func (c *Conn) ResetCommand() {
	c.retries.Store(0)
	c.replied.Store(false)
}

// MarkReplied records that at least one reply byte has been written for
// the in-flight command — once true, a downstream failure is no longer
// eligible for the one-shot retry (spec.md §4.4).
func (c *Conn) MarkReplied() {
	c.replied.Store(true)
}

// HasReplied reports whether any reply bytes have gone out yet.
func (c *Conn) HasReplied() bool {
	return c.replied.Load()
}

// SetPendingCommand records the verb and noreply flag of the command
// currently in flight for this connection.
func (c *Conn) SetPendingCommand(verb string, noReply bool) {
	c.pendingVerb = verb
	c.pendingNoReply = noReply
}

// SetPendingASCII records the fully parsed command currently in flight,
// used by the A2B translator to build the binary request(s).
func (c *Conn) SetPendingASCII(cmd ascii.Command) {
	c.pendingCmd = cmd
	c.pendingVerb = cmd.Verb
	c.pendingNoReply = cmd.NoReply
}

// PendingASCII returns the fully parsed command currently in flight.
func (c *Conn) PendingASCII() ascii.Command {
	return c.pendingCmd
}

// PendingVerb returns the verb of the command currently in flight.
func (c *Conn) PendingVerb() string {
	return c.pendingVerb
}

// PendingNoReply reports whether the in-flight command carries noreply.
func (c *Conn) PendingNoReply() bool {
	return c.pendingNoReply
}

// SetPendingItem records the fully-read item body for an in-flight
// storage command.
func (c *Conn) SetPendingItem(item *ascii.Item) {
	c.pendingItem = item
}

// PendingItem returns the in-flight storage command's item body, or nil.
func (c *Conn) PendingItem() *ascii.Item {
	return c.pendingItem
}

// SetWaitTimer records the armed wait-queue timer for this connection.
func (c *Conn) SetWaitTimer(t *time.Timer) {
	c.waitTimer = t
}

// WaitTimer returns the armed wait-queue timer, or nil.
func (c *Conn) WaitTimer() *time.Timer {
	return c.waitTimer
}

// Next returns the intrusive-list next pointer.
func (c *Conn) Next() *Conn {
	return c.next
}

// SetNext sets the intrusive-list next pointer.
func (c *Conn) SetNext(next *Conn) {
	c.next = next
}
