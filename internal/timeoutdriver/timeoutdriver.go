// Package timeoutdriver implements the two timers spec.md §5
// ("Cancellation / timeouts") calls for: the wait-queue timeout (an
// upstream waiting too long for a Downstream) and the downstream request
// timeout (a Downstream taking too long to reply). Both timers fire on an
// arbitrary goroutine and hand control back to the owning worker via
// PTD.Post, honoring the "a connection is never touched by another
// worker" invariant in spec.md §5.
package timeoutdriver

import (
	"log"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
	apperrors "github.com/memcachedproxy/memcachedproxy/pkg/errors"
)

// Poster is satisfied by *ptd.PTD; kept as an interface to avoid an
// import cycle (ptd imports this package, so it cannot import ptd).
type Poster interface {
	Post(fn func())
}

// WaitQueueTimer arms the wait-queue timeout for an upstream that was
// just enqueued. onExpire runs on the owning worker (via Post) and is
// expected to check the upstream is still actually waiting (it may have
// been paired in the meantime) before emitting an error.
func WaitQueueTimer(p Poster, d time.Duration, onExpire func()) *time.Timer {
	return time.AfterFunc(d, func() {
		p.Post(onExpire)
	})
}

// DownstreamTimer arms the per-request downstream timeout after a
// request has been dispatched. onExpire runs on the owning worker and is
// expected to force-close every backend socket of the Downstream if it
// is still outstanding.
func DownstreamTimer(p Poster, d time.Duration, onExpire func()) *time.Timer {
	return time.AfterFunc(d, func() {
		p.Post(onExpire)
	})
}

// CancelTimer stops t if non-nil, the "cancel the per-request timer"
// step in spec.md §4.2's release_downstream.
func CancelTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// ExpireWaitQueueEntry is the onExpire body for a wait-queue timeout: it
// removes uc from the queue if still present and writes the timeout
// error, per spec.md §5 ("an upstream that sits on the wait queue longer
// than behavior.wait_queue_timeout is removed and an error emitted").
// dequeue should report whether uc was actually found (and thus still
// waiting); if it wasn't, the upstream has already been paired and no
// error should be sent.
func ExpireWaitQueueEntry(uc *upstreamconn.Conn, dequeue func(*upstreamconn.Conn) bool, isGet bool) {
	if !dequeue(uc) {
		return
	}
	log.Printf("timeoutdriver: %v", apperrors.New(apperrors.CodeWaitQueueTimeout, "upstream "+uc.Addr()+" exceeded wait_queue_timeout"))
	if isGet {
		_ = uc.WriteLine("END\r\n")
	} else {
		_ = uc.WriteLine("SERVER_ERROR proxy write to downstream\r\n")
	}
	uc.SetState(upstreamconn.StateNewCmd)
}

// ExpireDownstreamRequest is the onExpire body for a downstream request
// timeout: force-close every backend socket, per spec.md §5 ("every
// downstream socket of the Downstream is forcibly closed"). Closing
// cascades into release through the same path a normal socket-close
// failure takes; this function only performs the close.
func ExpireDownstreamRequest(d *downstream.Downstream) {
	log.Printf("timeoutdriver: %v", apperrors.New(apperrors.CodeDownstreamTimeout, "downstream exceeded downstream_timeout, closing all sockets"))
	d.CloseAll()
}
