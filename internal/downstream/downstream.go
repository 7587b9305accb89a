// Package downstream implements the Downstream: a bundle of backend
// sockets (one per backend host) paired with one or more attached
// upstream connections, plus the multiget de-dup map and the stats
// broadcast merger (spec.md §4.1, §4.5.2, §4.5.3). internal/ptd owns the
// reserved/released lifecycle; this package owns what a Downstream holds
// while it is reserved.
package downstream

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	"github.com/memcachedproxy/memcachedproxy/internal/ilist"
	"github.com/memcachedproxy/memcachedproxy/internal/serverset"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
)

// MultigetEntry chains every upstream that asked for the same key within
// one assignment window (spec.md §4.5.2 step 3): "if an entry already
// existed, chain this one in front and mark this key as not a first
// request."
type MultigetEntry struct {
	Upstream *upstreamconn.Conn
	Next     *MultigetEntry
}

// Downstream is one reserved slot in a PTD's pool: a fixed set of backend
// sockets (sized to the server set at creation time) and the upstream(s)
// currently attached to it.
type Downstream struct {
	configVer int64
	serverSet *serverset.ServerSet
	conns     []*backendconn.Conn

	upstreams *ilist.List[*upstreamconn.Conn]

	// multiget maps a raw key to the chain of upstreams that asked for
	// it; only allocated when more than one upstream is attached
	// (spec.md §4.5.2 step 2).
	multiget map[string]*MultigetEntry

	// merger accumulates STAT name/value pairs across every backend
	// host for a broadcast `stats` command (spec.md §4.5.3).
	merger map[string]string

	// upstreamSuffix is written to every attached upstream once the
	// Downstream's replies are complete ("END\r\n", "OK\r\n", ...). A
	// nil suffix (empty string with ok=false) means no late writes
	// should occur (spec.md §4.7).
	upstreamSuffix string
	hasSuffix      bool
	statsIsReset   bool

	used      atomic.Int32 // downstream_used: outstanding backend sockets still replying
	usedStart int32        // downstream_used_start: count at dispatch time

	timer *time.Timer // the armed downstream request timeout, if any (spec.md §5)

	next *Downstream // intrusive-list pointer for the PTD reserved/released lists
}

// New creates a Downstream with one (unconnected) backendconn.Conn per
// backend host in ss, snapshotting configVer per spec.md §4.1's
// config_ver field.
func New(configVer int64, ss *serverset.ServerSet, connCfg backendconn.Config) *Downstream {
	conns := make([]*backendconn.Conn, ss.Len())
	for i := range conns {
		conns[i] = backendconn.New(connCfg)
	}
	return &Downstream{
		configVer: configVer,
		serverSet: ss,
		conns:     conns,
		upstreams: ilist.New(
			func(c *upstreamconn.Conn) *upstreamconn.Conn { return c.Next() },
			func(c, next *upstreamconn.Conn) { c.SetNext(next) },
		),
	}
}

// ConfigVer returns the config version this Downstream was created under.
func (d *Downstream) ConfigVer() int64 {
	return d.configVer
}

// Stale reports whether d was created under a config version older than
// currentVer, per spec.md §5: "On any stale-config release, the whole
// Downstream is destroyed, forcing reconnection on next demand."
func (d *Downstream) Stale(currentVer int64) bool {
	return d.configVer != currentVer
}

// ServerSet returns the backend set this Downstream dials into.
func (d *Downstream) ServerSet() *serverset.ServerSet {
	return d.serverSet
}

// Conn returns the backend socket for host index i.
func (d *Downstream) Conn(i int) *backendconn.Conn {
	return d.conns[i]
}

// Conns returns every backend socket, for broadcast fan-out.
func (d *Downstream) Conns() []*backendconn.Conn {
	return d.conns
}

// CloseAll force-closes every backend socket (spec.md §5 downstream
// request timeout: "every downstream socket of the Downstream is
// forcibly closed").
func (d *Downstream) CloseAll() {
	for _, c := range d.conns {
		if c != nil {
			c.Close()
		}
	}
}

// AttachUpstream appends u to the attached-upstream list.
func (d *Downstream) AttachUpstream(u *upstreamconn.Conn) {
	d.upstreams.PushTail(u)
}

// DetachUpstream splices u out of the attached-upstream list (spec.md
// §4.6 noreply detach, and §4.7 upstream-close handling).
func (d *Downstream) DetachUpstream(u *upstreamconn.Conn) bool {
	return d.upstreams.Remove(u)
}

// EachUpstream calls fn for every currently attached upstream.
func (d *Downstream) EachUpstream(fn func(*upstreamconn.Conn)) {
	d.upstreams.Each(fn)
}

// UpstreamCount returns the number of attached upstreams.
func (d *Downstream) UpstreamCount() int {
	n := 0
	d.upstreams.Each(func(*upstreamconn.Conn) { n++ })
	return n
}

// NoUpstreams reports whether the attached-upstream list is empty.
func (d *Downstream) NoUpstreams() bool {
	return d.upstreams.Empty()
}

// AllocMultiget allocates the multiget de-dup map, done only "if more
// than one upstream is attached" (spec.md §4.5.2 step 2).
func (d *Downstream) AllocMultiget() {
	if d.multiget == nil {
		d.multiget = make(map[string]*MultigetEntry)
	}
}

// HasMultiget reports whether a multiget map is in effect for this round.
func (d *Downstream) HasMultiget() bool {
	return d.multiget != nil
}

// RegisterMultigetKey chains u onto the entry for key, reporting whether
// this is the first registration for key (i.e. whether a binary request
// must actually be sent for it).
func (d *Downstream) RegisterMultigetKey(key string, u *upstreamconn.Conn) (first bool) {
	existing, ok := d.multiget[key]
	d.multiget[key] = &MultigetEntry{Upstream: u, Next: existing}
	return !ok
}

// MultigetUpstreams returns every upstream that registered interest in
// key, for writing the VALUE line only to the upstreams that asked.
func (d *Downstream) MultigetUpstreams(key string) []*upstreamconn.Conn {
	var out []*upstreamconn.Conn
	for e := d.multiget[key]; e != nil; e = e.Next {
		out = append(out, e.Upstream)
	}
	return out
}

// PurgeMultigetUpstream removes every chain entry pointing at u, used
// when u's connection closes mid-flight (spec.md §4.7).
func (d *Downstream) PurgeMultigetUpstream(u *upstreamconn.Conn) {
	for key, head := range d.multiget {
		var filtered *MultigetEntry
		for e := head; e != nil; e = e.Next {
			if e.Upstream == u {
				continue
			}
			filtered = &MultigetEntry{Upstream: e.Upstream, Next: filtered}
		}
		if filtered == nil {
			delete(d.multiget, key)
		} else {
			d.multiget[key] = filtered
		}
	}
}

// AllocMerger allocates the stats-broadcast merger map (spec.md §4.5.3).
func (d *Downstream) AllocMerger() {
	if d.merger == nil {
		d.merger = make(map[string]string)
	}
}

// MergeStat folds one STAT name/value pair from a backend response into
// the aggregated set: when both the earlier and the new value are unsigned
// integers they are summed, otherwise the new value replaces the earlier.
func (d *Downstream) MergeStat(name, value string) {
	if prev, ok := d.merger[name]; ok {
		a, errA := strconv.ParseUint(prev, 10, 64)
		b, errB := strconv.ParseUint(value, 10, 64)
		if errA == nil && errB == nil {
			d.merger[name] = strconv.FormatUint(a+b, 10)
			return
		}
	}
	d.merger[name] = value
}

// Merger returns the accumulated stat name/value pairs.
func (d *Downstream) Merger() map[string]string {
	return d.merger
}

// SetUpstreamSuffix records the terminator line to send every attached
// upstream once replies are complete ("END\r\n", "OK\r\n", "RESET\r\n").
func (d *Downstream) SetUpstreamSuffix(suffix string) {
	d.upstreamSuffix = suffix
	d.hasSuffix = true
}

// ClearUpstreamSuffix sets the suffix to "none" (spec.md §4.7: an
// upstream-close that empties the attached list means "no late writes").
func (d *Downstream) ClearUpstreamSuffix() {
	d.upstreamSuffix = ""
	d.hasSuffix = false
}

// UpstreamSuffix returns the pending terminator line and whether one is set.
func (d *Downstream) UpstreamSuffix() (string, bool) {
	return d.upstreamSuffix, d.hasSuffix
}

// SetUsed sets downstream_used and downstream_used_start to n, the count
// of backend sockets a request was dispatched to.
func (d *Downstream) SetUsed(n int) {
	d.used.Store(int32(n))
	d.usedStart = int32(n)
}

// DecrUsed decrements downstream_used by one (one backend socket
// finished replying) and returns the new value.
func (d *Downstream) DecrUsed() int32 {
	return d.used.Add(-1)
}

// Used returns the current downstream_used count.
func (d *Downstream) Used() int32 {
	return d.used.Load()
}

// Reset clears all per-assignment state so the Downstream can be
// returned to the free list and reused, keeping its backend sockets.
func (d *Downstream) Reset() {
	d.upstreams = ilist.New(
		func(c *upstreamconn.Conn) *upstreamconn.Conn { return c.Next() },
		func(c, next *upstreamconn.Conn) { c.SetNext(next) },
	)
	d.multiget = nil
	d.merger = nil
	d.upstreamSuffix = ""
	d.hasSuffix = false
	d.statsIsReset = false
	d.used.Store(0)
	d.usedStart = 0
	d.timer = nil
}

// SetStatsReset records that the in-flight broadcast is "stats reset",
// whose terminator is "RESET\r\n" rather than "END\r\n".
func (d *Downstream) SetStatsReset(v bool) {
	d.statsIsReset = v
}

// StatsReset reports whether the in-flight broadcast is "stats reset".
func (d *Downstream) StatsReset() bool {
	return d.statsIsReset
}

// SetTimer records the armed downstream request timeout.
func (d *Downstream) SetTimer(t *time.Timer) {
	d.timer = t
}

// Timer returns the armed downstream request timeout, or nil.
func (d *Downstream) Timer() *time.Timer {
	return d.timer
}

// Next returns the intrusive-list next pointer used by the PTD's
// reserved/released/free lists.
func (d *Downstream) Next() *Downstream {
	return d.next
}

// SetNext sets the intrusive-list next pointer.
func (d *Downstream) SetNext(next *Downstream) {
	d.next = next
}
