package a2b

import (
	"strconv"

	"github.com/memcachedproxy/memcachedproxy/internal/ascii"
	"github.com/memcachedproxy/memcachedproxy/internal/binprot"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
)

// buildRequest dispatches d's attached upstream command(s) to the right
// forwarding path (simple / multiget / broadcast / storage), per
// spec.md §4.5. It reports whether every request it attempted to send
// made it onto the wire.
func (t *Translator) buildRequest(d *downstream.Downstream) bool {
	first, ok := firstUpstream(d)
	if !ok {
		return true // nothing attached; nothing to do
	}
	cmd := first.PendingASCII()

	spec, known := Lookup(cmd.Verb)
	if !known {
		d.EachUpstream(func(u *upstreamconn.Conn) {
			_ = u.WriteLine("ERROR\r\n")
		})
		return false
	}

	switch {
	case spec.Broadcast:
		return t.forwardBroadcast(d, cmd, spec)
	case spec.IsGet:
		return t.forwardMultiget(d)
	case spec.Storage:
		return t.forwardStorage(d, first, spec)
	default:
		return t.forwardSimple(d, first, cmd, spec)
	}
}

func firstUpstream(d *downstream.Downstream) (*upstreamconn.Conn, bool) {
	var first *upstreamconn.Conn
	d.EachUpstream(func(u *upstreamconn.Conn) {
		if first == nil {
			first = u
		}
	})
	return first, first != nil
}

// forwardSimple implements spec.md §4.5.1: one key, one downstream
// socket, header + key as two IO vectors.
func (t *Translator) forwardSimple(d *downstream.Downstream, u *upstreamconn.Conn, cmd ascii.Command, spec VerbSpec) bool {
	key := cmd.Key()
	idx := d.ServerSet().Hash(key)
	conn, err := t.dial(d, idx)
	if err != nil {
		return false
	}

	var extras []byte
	switch cmd.Verb {
	case "incr", "decr":
		delta, _ := strconv.ParseUint(valueOr(cmd, "0"), 10, 64)
		extras = binprot.IncrDecrExtras(delta, 0, 0xffffffff)
	}

	op := opcodeFor(spec, cmd.NoReply)
	h := binprot.Header{
		Magic:   binprot.MagicRequest,
		Opcode:  op,
		KeyLen:  uint16(len(key)),
		ExtLen:  uint8(len(extras)),
		BodyLen: uint32(len(key) + len(extras)),
	}
	if err := conn.Write(h.Encode()); err != nil {
		return false
	}
	if len(extras) > 0 {
		if err := conn.Write(extras); err != nil {
			return false
		}
	}
	if err := conn.Write([]byte(key)); err != nil {
		return false
	}
	if err := conn.Flush(); err != nil {
		return false
	}

	d.SetUsed(1)
	if cmd.NoReply {
		t.detachNoReply(d, u)
	} else {
		t.startReader(d, idx, 1)
	}
	return true
}

// valueOr returns token 2 (the incr/decr delta) or def if absent.
func valueOr(cmd ascii.Command, def string) string {
	if len(cmd.Tokens) < 3 {
		return def
	}
	return cmd.Tokens[2]
}

// forwardStorage implements spec.md §4.5.4: a set-family command with an
// item body, sent to the single downstream socket owning its key.
func (t *Translator) forwardStorage(d *downstream.Downstream, u *upstreamconn.Conn, spec VerbSpec) bool {
	item := u.PendingItem()
	if item == nil {
		return false
	}
	idx := d.ServerSet().Hash(item.Header.Key)
	conn, err := t.dial(d, idx)
	if err != nil {
		return false
	}

	op := opcodeFor(spec, item.Header.NoReply)
	extras := binprot.SetExtras(item.Header.Flags, uint32(item.Header.Exptime))
	h := binprot.Header{
		Magic:   binprot.MagicRequest,
		Opcode:  op,
		KeyLen:  uint16(len(item.Header.Key)),
		ExtLen:  uint8(len(extras)),
		BodyLen: uint32(len(item.Header.Key) + len(extras) + len(item.Data)),
		// CAS left unset (0): cas is forwarded as a plain SET, matching
		// the original's CPROXY_NOT_CAS rather than the client's real
		// CAS value (spec.md §9).
	}
	if err := conn.Write(h.Encode()); err != nil {
		return false
	}
	if err := conn.Write(extras); err != nil {
		return false
	}
	if err := conn.Write([]byte(item.Header.Key)); err != nil {
		return false
	}
	if err := conn.Write(item.Data); err != nil {
		return false
	}
	if err := conn.Flush(); err != nil {
		return false
	}

	d.SetUsed(1)
	if item.Header.NoReply {
		t.detachNoReply(d, u)
	} else {
		t.startReader(d, idx, 1)
	}
	return true
}

// forwardMultiget implements spec.md §4.5.2: squash every attached
// upstream's keys across however many downstream sockets they hash to.
func (t *Translator) forwardMultiget(d *downstream.Downstream) bool {
	if d.UpstreamCount() > 1 {
		d.AllocMultiget()
	}

	keyCountForIdx := make(map[int]int)
	nwrite := 0
	ok := true

	d.EachUpstream(func(u *upstreamconn.Conn) {
		for _, key := range u.PendingASCII().Keys() {
			first := true
			if d.HasMultiget() {
				first = d.RegisterMultigetKey(key, u)
			}
			if !first {
				continue
			}
			idx := d.ServerSet().Hash(key)
			conn, err := t.dial(d, idx)
			if err != nil {
				ok = false
				continue
			}
			h := binprot.Header{
				Magic:   binprot.MagicRequest,
				Opcode:  binprot.OpGetK,
				KeyLen:  uint16(len(key)),
				BodyLen: uint32(len(key)),
			}
			if conn.Write(h.Encode()) != nil || conn.Write([]byte(key)) != nil {
				ok = false
				continue
			}
			keyCountForIdx[idx]++
		}
	})

	for idx, n := range keyCountForIdx {
		conn, err := t.dial(d, idx)
		if err != nil {
			ok = false
			continue
		}
		if conn.Flush() != nil {
			ok = false
			continue
		}
		nwrite++
		t.startReader(d, idx, n)
	}

	d.SetUsed(nwrite)
	d.SetUpstreamSuffix("END\r\n")
	return ok
}

// forwardBroadcast implements spec.md §4.5.3: flush_all/stats sent to
// every downstream socket.
func (t *Translator) forwardBroadcast(d *downstream.Downstream, cmd ascii.Command, spec VerbSpec) bool {
	ok := true
	nwrite := 0
	for idx := range d.ServerSet().All() {
		conn, err := t.dial(d, idx)
		if err != nil {
			ok = false
			continue
		}

		var extras []byte
		op := spec.Opcode
		if cmd.Verb == "flush_all" {
			extras = binprot.FlushExtras(uint32(ascii.FlushExpiration(cmd)))
		}

		h := binprot.Header{
			Magic:   binprot.MagicRequest,
			Opcode:  op,
			ExtLen:  uint8(len(extras)),
			BodyLen: uint32(len(extras)),
		}
		if conn.Write(h.Encode()) != nil {
			ok = false
			continue
		}
		if len(extras) > 0 && conn.Write(extras) != nil {
			ok = false
			continue
		}
		if conn.Flush() != nil {
			ok = false
			continue
		}
		nwrite++
		t.startReader(d, idx, 1)
	}

	d.SetUsed(nwrite)
	if cmd.Verb == "stats" {
		d.AllocMerger()
		if ascii.IsStatsReset(cmd) {
			d.SetStatsReset(true)
			d.SetUpstreamSuffix("RESET\r\n")
		} else {
			d.SetUpstreamSuffix("END\r\n")
		}
	} else {
		d.SetUpstreamSuffix("OK\r\n")
	}
	return ok
}

// detachNoReply implements spec.md §4.6: once a noreply request is on
// the wire, the upstream is detached immediately and freed to read its
// next command. No reader goroutine is started for this socket, so this
// is the only place that will ever account for the backend it claimed
// via SetUsed — mirror readLoop's release-on-last-response bookkeeping
// here or the Downstream never returns to the pool.
func (t *Translator) detachNoReply(d *downstream.Downstream, u *upstreamconn.Conn) {
	d.DetachUpstream(u)
	u.SetState(upstreamconn.StateNewCmd)
	if d.NoUpstreams() {
		d.ClearUpstreamSuffix()
	}
	t.owner.ReleaseDownstreamConn(d)
}
