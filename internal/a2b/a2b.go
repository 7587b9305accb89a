// Package a2b implements the ASCII-upstream-to-binary-downstream
// translator: building binary requests from parsed ASCII commands
// (simple forward, multiget squash, broadcast, storage) and reassembling
// binary responses back into ASCII replies, per spec.md §4.5.
package a2b

import (
	"context"
	"net"

	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/ptd"
)

// Translator wires the request/response halves of the A2B path to one
// PTD: it posts response-processing work back onto the PTD's worker
// goroutine, keeping every Downstream/upstream mutation single-threaded
// per spec.md §5.
type Translator struct {
	owner *ptd.PTD
}

// New builds a Translator bound to owner and registers its release hook
// (the merger/suffix write-back of spec.md §4.2 release_downstream). The
// resulting Propagate method satisfies ptd.Propagator and is what a PTD
// is constructed with for downstream_prot == "binary".
func New(owner *ptd.PTD) *Translator {
	t := &Translator{owner: owner}
	owner.SetReleaseHook(t.beforeRelease)
	return t
}

// Propagate is the propagate_downstream function pointer of spec.md §4.1
// chosen for binary downstreams: it builds and sends the binary
// request(s) for d's attached upstream(s).
func (t *Translator) Propagate(d *downstream.Downstream) bool {
	return t.buildRequest(d)
}

// dial returns the connected backend socket at host index idx, dialing
// it lazily if this is its first use (spec.md §5: "A downstream socket
// is opened lazily on first use and reused across requests until it
// closes.").
func (t *Translator) dial(d *downstream.Downstream, idx int) (*backendconn.Conn, error) {
	conn := d.Conn(idx)
	if conn.IsConnected() {
		return conn, nil
	}
	err := conn.Dial(context.Background(), func(ctx context.Context) (net.Conn, error) {
		return d.ServerSet().Dial(ctx, idx)
	})
	return conn, err
}

// startReader launches the response-reading goroutine for the backend
// socket at host index idx. Reading runs on its own goroutine (the
// socket can block indefinitely on I/O); every parsed response is
// handed back to the owning PTD via Post before it touches d or any
// upstream, per spec.md §5's worker-ownership invariant. expect is the
// number of responses this dispatch expects on this one socket: 1 for
// every path except a multiget batch, which may have squashed several
// keys onto the same backend host.
func (t *Translator) startReader(d *downstream.Downstream, idx int, expect int) {
	conn := d.Conn(idx)
	go t.readLoop(d, idx, conn, expect)
}
