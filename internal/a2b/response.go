package a2b

import (
	"encoding/binary"
	"io"
	"log"
	"strconv"

	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	"github.com/memcachedproxy/memcachedproxy/internal/binprot"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
	apperrors "github.com/memcachedproxy/memcachedproxy/pkg/errors"
)

// readLoop reads binary responses off conn until the request(s) dispatched
// to it are fully answered, posting each parsed response back onto the
// owning PTD's worker goroutine (spec.md §5). expect counts the number of
// distinct responses this socket owes for the current assignment; a
// `stats` broadcast ignores it and instead watches for the zero-keylen
// STAT response that terminates the sequence (spec.md §4.5.3, §4.5.5).
func (t *Translator) readLoop(d *downstream.Downstream, idx int, conn *backendconn.Conn, expect int) {
	remaining := expect
	for {
		hdr, err := binprot.ReadHeader(conn.Reader())
		if err != nil {
			t.owner.Post(func() { t.handleConnError(d, idx, conn) })
			return
		}

		body := make([]byte, hdr.BodyLen)
		if hdr.BodyLen > 0 {
			if _, err := io.ReadFull(conn.Reader(), body); err != nil {
				t.owner.Post(func() { t.handleConnError(d, idx, conn) })
				return
			}
		}

		op, _ := binprot.Unquiet(hdr.Opcode)
		done := false
		if op == binprot.OpStat {
			done = hdr.KeyLen == 0
		} else {
			remaining--
			done = remaining <= 0
		}

		t.owner.Post(func() {
			t.handleResponse(d, hdr, body)
			if done {
				t.owner.ReleaseDownstreamConn(d)
			}
		})
		if done {
			return
		}
	}
}

// handleConnError runs on the owning PTD's worker goroutine after a
// backend socket read fails. A lone, not-yet-replied-to upstream gets the
// one-shot retry of spec.md §4.4; everything else gets SERVER_ERROR and
// the Downstream is released.
func (t *Translator) handleConnError(d *downstream.Downstream, idx int, conn *backendconn.Conn) {
	conn.Close()

	if u, ok := soleUpstream(d); ok && !u.HasReplied() && u.Retries() == 0 {
		u.IncrRetries()
		d.DetachUpstream(u)
		t.owner.Stats().TotRetry.Add(1)
		t.owner.ReleaseDownstream(d, false)
		t.owner.Enqueue(u)
		return
	}

	d.EachUpstream(func(u *upstreamconn.Conn) {
		_ = u.WriteLine("SERVER_ERROR proxy downstream closed\r\n")
		u.SetState(upstreamconn.StateNewCmd)
	})
	t.owner.ReleaseDownstream(d, false)
}

// unexpectedStatus formats the message for an apperrors.CodeA2BResponse
// error: a binary status this opcode's mapping table has no case for
// (spec.md §7 item 6).
func unexpectedStatus(kind string, status binprot.Status) string {
	return "unexpected " + kind + " response status " + strconv.Itoa(int(status))
}

func soleUpstream(d *downstream.Downstream) (*upstreamconn.Conn, bool) {
	if d.UpstreamCount() != 1 {
		return nil, false
	}
	return firstUpstream(d)
}

// handleResponse dispatches one parsed binary response to its ASCII
// translation, per spec.md §4.5.5's opcode table.
func (t *Translator) handleResponse(d *downstream.Downstream, hdr binprot.Header, body []byte) {
	op, _ := binprot.Unquiet(hdr.Opcode)
	switch op {
	case binprot.OpGetK:
		t.handleGetResponse(d, hdr, body)
	case binprot.OpStat:
		t.handleStatResponse(d, hdr, body)
	case binprot.OpSet, binprot.OpAdd, binprot.OpReplace, binprot.OpAppend, binprot.OpPrepend:
		t.handleStorageResponse(d, hdr)
	case binprot.OpDelete:
		t.handleDeleteResponse(d, hdr)
	case binprot.OpIncr, binprot.OpDecr:
		t.handleIncrDecrResponse(d, hdr, body)
	case binprot.OpFlush:
		// No per-response line; the broadcast's upstream_suffix ("OK\r\n")
		// carries the whole reply once every host has answered.
	}
}

// handleGetResponse implements spec.md §4.5.2 step 4: a hit becomes a
// VALUE line written to every upstream that registered interest in the
// key (or to every attached upstream, outside a multiget); a miss is
// silently dropped.
func (t *Translator) handleGetResponse(d *downstream.Downstream, hdr binprot.Header, body []byte) {
	if hdr.Status != binprot.StatusOK {
		return
	}
	if int(hdr.ExtLen) < 4 || len(body) < int(hdr.ExtLen)+int(hdr.KeyLen) {
		return
	}
	flags := binary.BigEndian.Uint32(body[0:4])
	key := string(body[hdr.ExtLen : int(hdr.ExtLen)+int(hdr.KeyLen)])
	value := body[int(hdr.ExtLen)+int(hdr.KeyLen):]

	line := "VALUE " + key + " " + strconv.FormatUint(uint64(flags), 10) + " " + strconv.Itoa(len(value)) + "\r\n"

	var targets []*upstreamconn.Conn
	if d.HasMultiget() {
		targets = d.MultigetUpstreams(key)
	} else {
		d.EachUpstream(func(u *upstreamconn.Conn) { targets = append(targets, u) })
	}
	for _, u := range targets {
		_ = u.WriteString(line)
		_ = u.WriteString(string(value))
		_ = u.WriteString("\r\n")
		_ = u.Flush()
		u.MarkReplied()
	}
}

// handleStatResponse folds one STAT name/value pair into the merger
// (spec.md §4.5.3). The zero-keylen terminator carries no pair to merge.
func (t *Translator) handleStatResponse(d *downstream.Downstream, hdr binprot.Header, body []byte) {
	if hdr.KeyLen == 0 {
		return
	}
	name := string(body[:hdr.KeyLen])
	value := string(body[hdr.KeyLen:])
	d.MergeStat(name, value)
}

// handleStorageResponse implements the STORED/NOT_STORED/EXISTS/NOT_FOUND
// mapping for set/add/replace/append/prepend (spec.md §4.5.4, §4.5.5).
func (t *Translator) handleStorageResponse(d *downstream.Downstream, hdr binprot.Header) {
	u, ok := firstUpstream(d)
	if !ok {
		return
	}
	var line string
	switch hdr.Status {
	case binprot.StatusOK:
		line = "STORED\r\n"
	case binprot.StatusKeyExists:
		line = "EXISTS\r\n"
	case binprot.StatusKeyNotFound:
		line = "NOT_FOUND\r\n"
	case binprot.StatusNotStored:
		line = "NOT_STORED\r\n"
	default:
		log.Printf("a2b: %v", apperrors.New(apperrors.CodeA2BResponse, unexpectedStatus("storage", hdr.Status)))
		line = "SERVER_ERROR backend storage error\r\n"
	}
	_ = u.WriteLine(line)
	u.MarkReplied()
}

// handleDeleteResponse implements the DELETED/NOT_FOUND mapping.
func (t *Translator) handleDeleteResponse(d *downstream.Downstream, hdr binprot.Header) {
	u, ok := firstUpstream(d)
	if !ok {
		return
	}
	var line string
	switch hdr.Status {
	case binprot.StatusOK:
		line = "DELETED\r\n"
	case binprot.StatusKeyNotFound:
		line = "NOT_FOUND\r\n"
	default:
		log.Printf("a2b: %v", apperrors.New(apperrors.CodeA2BResponse, unexpectedStatus("delete", hdr.Status)))
		line = "SERVER_ERROR backend delete error\r\n"
	}
	_ = u.WriteLine(line)
	u.MarkReplied()
}

// handleIncrDecrResponse implements the decimal-counter reply and the
// CLIENT_ERROR/NOT_FOUND mappings for incr/decr.
func (t *Translator) handleIncrDecrResponse(d *downstream.Downstream, hdr binprot.Header, body []byte) {
	u, ok := firstUpstream(d)
	if !ok {
		return
	}
	var line string
	switch hdr.Status {
	case binprot.StatusOK:
		if len(body) >= 8 {
			line = strconv.FormatUint(binary.BigEndian.Uint64(body[:8]), 10) + "\r\n"
		} else {
			line = "SERVER_ERROR short counter reply\r\n"
		}
	case binprot.StatusKeyNotFound:
		line = "NOT_FOUND\r\n"
	case binprot.StatusNonNumeric:
		line = "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n"
	default:
		log.Printf("a2b: %v", apperrors.New(apperrors.CodeA2BResponse, unexpectedStatus("incr/decr", hdr.Status)))
		line = "SERVER_ERROR backend incr/decr error\r\n"
	}
	_ = u.WriteLine(line)
	u.MarkReplied()
}

// beforeRelease is ptd.ReleaseHook's binary-downstream implementation: it
// writes every merged stat line and the pending upstream_suffix to each
// still-attached upstream before the Downstream's per-assignment state is
// wiped (spec.md §4.2 release_downstream step 1), then returns each
// upstream to its own command-read loop.
func (t *Translator) beforeRelease(d *downstream.Downstream) {
	merger := d.Merger()
	suffix, hasSuffix := d.UpstreamSuffix()

	d.EachUpstream(func(u *upstreamconn.Conn) {
		var err error
		if merger != nil {
			for name, value := range merger {
				if werr := u.WriteString("STAT " + name + " " + value + "\r\n"); werr != nil && err == nil {
					err = werr
				}
			}
		}
		if hasSuffix {
			if werr := u.WriteString(suffix); werr != nil && err == nil {
				err = werr
			}
		}
		if ferr := u.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			t.owner.Stats().TotOOM.Add(1)
			log.Printf("a2b: %v", apperrors.Wrap(apperrors.CodeOOM, "release-time write to upstream failed", err))
			u.Close()
		}
		u.SetState(upstreamconn.StateNewCmd)
	})
}
