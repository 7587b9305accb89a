// Package ptd implements the Per-Thread Data owned by one worker: the
// wait queue, the reserved/released Downstream lists, and the pool
// operations (add/reserve/release/free) and pairing engine
// (assign_downstream) from spec.md §4.2 and §4.3.
package ptd

import (
	"log"
	"sync/atomic"

	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	"github.com/memcachedproxy/memcachedproxy/internal/config"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/ilist"
	"github.com/memcachedproxy/memcachedproxy/internal/proxysocks"
	"github.com/memcachedproxy/memcachedproxy/internal/serverset"
	"github.com/memcachedproxy/memcachedproxy/internal/stats"
	"github.com/memcachedproxy/memcachedproxy/internal/timeoutdriver"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
	apperrors "github.com/memcachedproxy/memcachedproxy/pkg/errors"
)

// ConfigSnapshot is what the Proxy hands a PTD under its lock: the
// backend config string, its version, and the behavior in effect
// (spec.md §4.1).
type ConfigSnapshot struct {
	Backend   string
	ConfigVer int64
	Behavior  config.Behavior
	Socks     proxysocks.Config
}

// ConfigSource is satisfied by the Proxy; kept as an interface here so
// this package never imports internal/proxy (which imports this one).
type ConfigSource interface {
	Snapshot() ConfigSnapshot
}

// Propagator sends the attached upstream command(s) of d to their
// backend host(s). It is chosen once at PTD construction based on
// downstream protocol (spec.md's propagate_downstream function pointer);
// internal/a2b provides the binary-downstream implementation. It reports
// false on a failure to even get the request onto the wire.
type Propagator func(d *downstream.Downstream) bool

// ReleaseHook runs immediately before a Downstream's per-request scratch
// is reset at release time, so it can still see the attached upstreams,
// multiget map, and merger — the "write merger/suffix to every attached
// upstream" step of spec.md §4.2's release_downstream. internal/a2b
// supplies the implementation; ptd only knows to call it.
type ReleaseHook func(d *downstream.Downstream)

// PTD is one worker's pool of Downstreams plus its FIFO wait queue.
type PTD struct {
	id        string
	source    ConfigSource
	stats     *stats.Counters
	connCfg   backendconn.Config
	propagate Propagator

	waitQueue *ilist.List[*upstreamconn.Conn]
	reserved  *ilist.List[*downstream.Downstream]
	released  *ilist.List[*downstream.Downstream]

	downstreamNum int
	downstreamMax int
	assigns       atomic.Uint64

	// work is the per-worker work queue spec.md §5 calls for: the only
	// way another goroutine may touch this PTD's state (retry
	// re-pausing, timeout expiry) is by posting a closure here for the
	// owning worker goroutine to run.
	work chan func()

	// onBeforeRelease, when set, runs at the top of ReleaseDownstream,
	// before d.Reset() wipes the merger/suffix/attached-upstream state it
	// needs to read. Wired by internal/a2b via SetReleaseHook.
	onBeforeRelease ReleaseHook
}

// New builds a PTD. connCfg sizes each Downstream's backend sockets;
// propagate is the downstream-protocol-specific forwarder.
func New(id string, source ConfigSource, st *stats.Counters, connCfg backendconn.Config, propagate Propagator) *PTD {
	return &PTD{
		id:        id,
		source:    source,
		stats:     st,
		connCfg:   connCfg,
		propagate: propagate,
		waitQueue: ilist.New(
			func(c *upstreamconn.Conn) *upstreamconn.Conn { return c.Next() },
			func(c, next *upstreamconn.Conn) { c.SetNext(next) },
		),
		reserved: ilist.New(
			func(d *downstream.Downstream) *downstream.Downstream { return d.Next() },
			func(d, next *downstream.Downstream) { d.SetNext(next) },
		),
		released: ilist.New(
			func(d *downstream.Downstream) *downstream.Downstream { return d.Next() },
			func(d, next *downstream.Downstream) { d.SetNext(next) },
		),
		work: make(chan func(), 256),
	}
}

// SetPropagator installs the downstream-protocol-specific forwarder.
// internal/a2b's constructor needs an already-built *PTD to register its
// release hook, so PTD construction and propagator wiring are split: build
// with New(..., nil), then SetPropagator once the translator exists.
func (p *PTD) SetPropagator(propagate Propagator) {
	p.propagate = propagate
}

// SetReleaseHook installs the upstream-writing step of release_downstream
// (spec.md §4.2). Must be called before the PTD's worker goroutine starts
// handling requests; internal/a2b's constructor does this immediately
// after building its Translator.
func (p *PTD) SetReleaseHook(h ReleaseHook) {
	p.onBeforeRelease = h
}

// Post enqueues fn to run on this PTD's owning worker goroutine. Safe to
// call from any goroutine.
func (p *PTD) Post(fn func()) {
	p.work <- fn
}

// Run drains the work queue until stop is closed. The caller runs this
// as the worker's event loop substitute; every PTD/Downstream/upstream
// mutation happens inside a posted closure so it executes on this one
// goroutine.
func (p *PTD) Run(stop <-chan struct{}) {
	for {
		select {
		case fn := <-p.work:
			fn()
		case <-stop:
			return
		}
	}
}

// ID returns the worker identifier this PTD belongs to.
func (p *PTD) ID() string {
	return p.id
}

// addDownstream builds one new Downstream and places it on released, if
// the pool has room (spec.md §4.2 add_downstream).
func (p *PTD) addDownstream() {
	if p.downstreamMax == 0 {
		snap := p.source.Snapshot()
		p.downstreamMax = snap.Behavior.DownstreamMax
	}
	if p.downstreamNum >= p.downstreamMax {
		p.stats.TotDownstreamMaxReached.Add(1)
		log.Printf("ptd: %v", apperrors.New(apperrors.CodePoolExhausted, "downstream pool at behavior.downstream_max, refusing to grow"))
		return
	}
	snap := p.source.Snapshot()
	if snap.Backend == "" {
		return // Proxy config is absent (shutting down)
	}
	set, err := serverset.New(snap.Backend, &snap.Socks)
	if err != nil {
		p.stats.TotDownstreamCreateFailed.Add(1)
		return
	}
	d := downstream.New(snap.ConfigVer, set, p.connCfg)
	p.downstreamNum++
	p.released.PushTail(d)
	p.stats.TotDownstreamConn.Add(1)
	p.stats.NumDownstreamConn.Add(1)
}

// validConfig reports whether d is still valid under the Proxy's current
// config. Only config versions are compared: a Downstream whose version
// differs from the current one is treated as stale even when the backend
// string is unchanged, and its version is never upgraded in place.
func (p *PTD) validConfig(d *downstream.Downstream) bool {
	snap := p.source.Snapshot()
	if d.ConfigVer() == snap.ConfigVer {
		return true
	}
	return !d.Stale(snap.ConfigVer)
}

// reserveDownstream pops a usable Downstream off released, growing the
// pool on demand (spec.md §4.2 reserve_downstream).
func (p *PTD) reserveDownstream() *downstream.Downstream {
	for {
		if p.released.Empty() {
			p.addDownstream()
			if p.released.Empty() {
				return nil
			}
		}
		d, _ := p.released.PopHead()
		d.Reset()
		if p.validConfig(d) {
			p.reserved.PushTail(d)
			p.stats.TotDownstreamReserved.Add(1)
			return d
		}
		p.freeDownstream(d)
	}
}

// freeDownstream tears down every backend socket of d and removes it
// from the pool entirely (spec.md §4.2 free_downstream).
func (p *PTD) freeDownstream(d *downstream.Downstream) {
	d.CloseAll()
	p.downstreamNum--
	p.stats.NumDownstreamConn.Add(-1)
}

// ReleaseDownstream completes a paired request: runs the release hook
// (writes mergers and suffixes to every still-attached upstream, spec.md
// §4.2 step 1) while that state is still intact, then resets the
// Downstream's per-assignment scratch, returns it to released or frees
// it, and re-triggers the pairing engine. force skips the config-validity
// check.
func (p *PTD) ReleaseDownstream(d *downstream.Downstream, force bool) {
	timeoutdriver.CancelTimer(d.Timer())
	if p.onBeforeRelease != nil {
		p.onBeforeRelease(d)
	}
	p.reserved.Remove(d)
	d.Reset()
	p.stats.TotDownstreamReleased.Add(1)

	if force || p.validConfig(d) {
		p.released.PushTail(d)
	} else {
		p.freeDownstream(d)
		p.stats.TotDownstreamFreed.Add(1)
	}
	p.AssignDownstream()
}

// ReleaseDownstreamConn decrements downstream_used; once it reaches zero
// the whole Downstream is released (spec.md §4.2
// release_downstream_conn — "the re-entry guard point").
func (p *PTD) ReleaseDownstreamConn(d *downstream.Downstream) {
	if d.DecrUsed() <= 0 {
		p.ReleaseDownstream(d, false)
	}
}

// Enqueue appends uc to the wait queue, per pause_upstream_for_downstream
// (spec.md §4.4), arms its wait-queue timeout, and immediately runs the
// pairing engine.
func (p *PTD) Enqueue(uc *upstreamconn.Conn) {
	uc.SetState(upstreamconn.StatePause)
	p.waitQueue.PushTail(uc)

	if d := p.source.Snapshot().Behavior.WaitQueueTimeout(); d > 0 {
		uc.SetWaitTimer(timeoutdriver.WaitQueueTimer(p, d, func() {
			p.expireWaitQueueEntry(uc)
		}))
	}

	p.AssignDownstream()
}

// expireWaitQueueEntry runs on this PTD's worker goroutine when uc's
// wait-queue timer fires.
func (p *PTD) expireWaitQueueEntry(uc *upstreamconn.Conn) {
	timeoutdriver.ExpireWaitQueueEntry(uc, p.Dequeue, uc.PendingVerb() == "get" || uc.PendingVerb() == "gets")
}

// Dequeue removes uc from the wait queue (used by the wait-queue timeout
// driver and by upstream-close handling).
func (p *PTD) Dequeue(uc *upstreamconn.Conn) bool {
	return p.waitQueue.Remove(uc)
}

// HandleUpstreamClose implements spec.md §4.7: an upstream connection
// that closes mid-flight is removed from wherever it currently sits —
// the wait queue (canceling its timer), or a reserved Downstream's
// attached list (purging it from the multiget map too, and clearing the
// Downstream's upstream_suffix if that empties the attached list).
func (p *PTD) HandleUpstreamClose(uc *upstreamconn.Conn) {
	if p.Dequeue(uc) {
		timeoutdriver.CancelTimer(uc.WaitTimer())
		uc.SetWaitTimer(nil)
		return
	}
	p.reserved.Each(func(d *downstream.Downstream) {
		if d.DetachUpstream(uc) {
			d.PurgeMultigetUpstream(uc)
			if d.NoUpstreams() {
				d.ClearUpstreamSuffix()
			}
		}
	})
}

// compatible reports whether candidate can be squashed onto the same
// Downstream as paired (spec.md §4.3): both paused, both ascii `get`,
// neither noreply, neither carrying a retry.
func compatible(paired, candidate *upstreamconn.Conn) bool {
	if paired.State() != upstreamconn.StatePause || candidate.State() != upstreamconn.StatePause {
		return false
	}
	if paired.PendingVerb() != "get" || candidate.PendingVerb() != "get" {
		return false
	}
	if paired.PendingNoReply() || candidate.PendingNoReply() {
		return false
	}
	if paired.Retries() > 0 || candidate.Retries() > 0 {
		return false
	}
	return true
}

// AssignDownstream is the pairing engine: assign_downstream (spec.md
// §4.3). It is re-entrant — callees may synchronously release a
// Downstream and call back in; the downstream_assigns snapshot detects
// that and the outer call stops touching its local d.
func (p *PTD) AssignDownstream() {
	p.stats.TotAssignDownstream.Add(1)
	da := p.assigns.Add(1)

	tail, hasTail := p.waitQueue.PeekTail()
	stop := false

	for !p.waitQueue.Empty() && !stop {
		head, _ := p.waitQueue.PeekHead()
		if hasTail && head == tail {
			stop = true
		}

		d := p.reserveDownstream()
		if d == nil {
			break
		}

		first, _ := p.waitQueue.PopHead()
		timeoutdriver.CancelTimer(first.WaitTimer())
		first.SetWaitTimer(nil)
		d.AttachUpstream(first)
		p.stats.TotAssignUpstream.Add(1)

		for {
			next, ok := p.waitQueue.PeekHead()
			if !ok || !compatible(first, next) {
				break
			}
			p.waitQueue.PopHead()
			timeoutdriver.CancelTimer(next.WaitTimer())
			next.SetWaitTimer(nil)
			d.AttachUpstream(next)
			p.stats.TotAssignUpstream.Add(1)
		}

		ok := p.propagate(d)
		if ok {
			if dur := p.source.Snapshot().Behavior.DownstreamTimeout(); dur > 0 {
				d.SetTimer(timeoutdriver.DownstreamTimer(p, dur, func() {
					timeoutdriver.ExpireDownstreamRequest(d)
				}))
			}
		}
		if !ok {
			if p.assigns.Load() != da {
				// A nested release/assign already ran inside propagate;
				// d has already been handed back to the pool by that
				// inner call. Touching it further here would race it.
				break
			}
			d.EachUpstream(func(u *upstreamconn.Conn) {
				_ = u.WriteLine("SERVER_ERROR proxy write to downstream\r\n")
			})
			p.ReleaseDownstream(d, false)
		}
	}
}

// PeekTail exposes the wait queue's current tail, the stop-point snapshot
// assign_downstream takes before walking the queue.
func (p *PTD) PeekTail() (*upstreamconn.Conn, bool) {
	return p.waitQueue.PeekTail()
}

// WaitQueueEmpty reports whether the wait queue currently has no upstreams.
func (p *PTD) WaitQueueEmpty() bool {
	return p.waitQueue.Empty()
}

// Stats returns this PTD's counter block.
func (p *PTD) Stats() *stats.Counters {
	return p.stats
}

// DownstreamNum returns the live Downstream count.
func (p *PTD) DownstreamNum() int {
	return p.downstreamNum
}
