// Package stats holds the per-PTD counters from SPEC_FULL.md §6:
// cumulative tot_* counters and gauge num_* counters, cleared only by
// an explicit reset (gauges are never cleared). Grounded on the
// teacher's internal/metrics.Collector (atomic fields, Snapshot method).
package stats

import "sync/atomic"

// Counters holds one worker's (PTD's) statistics block.
type Counters struct {
	// Gauges (never cleared by Reset).
	NumUpstream       atomic.Int64
	NumDownstreamConn atomic.Int64

	// Cumulative totals (cleared by Reset).
	TotUpstream               atomic.Uint64
	TotDownstreamConn         atomic.Uint64
	TotDownstreamReleased     atomic.Uint64
	TotDownstreamReserved     atomic.Uint64
	TotDownstreamFreed        atomic.Uint64
	TotDownstreamQuitServer   atomic.Uint64
	TotDownstreamMaxReached   atomic.Uint64
	TotDownstreamCreateFailed atomic.Uint64
	TotAssignDownstream       atomic.Uint64
	TotAssignUpstream         atomic.Uint64
	TotResetUpstreamAvail     atomic.Uint64
	TotOOM                    atomic.Uint64
	TotRetry                  atomic.Uint64
}

// New creates a zeroed counters block.
func New() *Counters {
	return &Counters{}
}

// Reset clears the cumulative tot_* counters only; gauges are untouched,
// matching §6: "cleared only by explicit reset (gauges are never cleared)".
func (c *Counters) Reset() {
	c.TotUpstream.Store(0)
	c.TotDownstreamConn.Store(0)
	c.TotDownstreamReleased.Store(0)
	c.TotDownstreamReserved.Store(0)
	c.TotDownstreamFreed.Store(0)
	c.TotDownstreamQuitServer.Store(0)
	c.TotDownstreamMaxReached.Store(0)
	c.TotDownstreamCreateFailed.Store(0)
	c.TotAssignDownstream.Store(0)
	c.TotAssignUpstream.Store(0)
	c.TotResetUpstreamAvail.Store(0)
	c.TotOOM.Store(0)
	c.TotRetry.Store(0)
}

// Snapshot is a point-in-time copy suitable for the /status JSON endpoint.
type Snapshot struct {
	NumUpstream            int64  `json:"num_upstream"`
	NumDownstreamConn      int64  `json:"num_downstream_conn"`
	Upstream               uint64 `json:"upstream"`
	DownstreamConn         uint64 `json:"downstream_conn"`
	DownstreamReleased     uint64 `json:"downstream_released"`
	DownstreamReserved     uint64 `json:"downstream_reserved"`
	DownstreamFreed        uint64 `json:"downstream_freed"`
	DownstreamQuitServer   uint64 `json:"downstream_quit_server"`
	DownstreamMaxReached   uint64 `json:"downstream_max_reached"`
	DownstreamCreateFailed uint64 `json:"downstream_create_failed"`
	AssignDownstream       uint64 `json:"assign_downstream"`
	AssignUpstream         uint64 `json:"assign_upstream"`
	ResetUpstreamAvail     uint64 `json:"reset_upstream_avail"`
	OOM                    uint64 `json:"oom"`
	Retry                  uint64 `json:"retry"`
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		NumUpstream:            c.NumUpstream.Load(),
		NumDownstreamConn:      c.NumDownstreamConn.Load(),
		Upstream:               c.TotUpstream.Load(),
		DownstreamConn:         c.TotDownstreamConn.Load(),
		DownstreamReleased:     c.TotDownstreamReleased.Load(),
		DownstreamReserved:     c.TotDownstreamReserved.Load(),
		DownstreamFreed:        c.TotDownstreamFreed.Load(),
		DownstreamQuitServer:   c.TotDownstreamQuitServer.Load(),
		DownstreamMaxReached:   c.TotDownstreamMaxReached.Load(),
		DownstreamCreateFailed: c.TotDownstreamCreateFailed.Load(),
		AssignDownstream:       c.TotAssignDownstream.Load(),
		AssignUpstream:         c.TotAssignUpstream.Load(),
		ResetUpstreamAvail:     c.TotResetUpstreamAvail.Load(),
		OOM:                    c.TotOOM.Load(),
		Retry:                  c.TotRetry.Load(),
	}
}
