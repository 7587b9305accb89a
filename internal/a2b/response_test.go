package a2b

import (
	"encoding/binary"
	"testing"

	"github.com/memcachedproxy/memcachedproxy/internal/binprot"
)

func readUpstreamLine(t *testing.T, r interface{ ReadString(byte) (string, error) }) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return line
}

func TestHandleGetResponseHitWritesValueLine(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)

	u, r, _ := newUpstream(t)
	setPendingGet(u, "widget")
	d.AttachUpstream(u)

	body := append(binprot.SetExtras(7, 0)[:4], []byte("widgetHELLO")...)
	hdr := binprot.Header{Opcode: binprot.OpGetK, Status: binprot.StatusOK, ExtLen: 4, KeyLen: 6, BodyLen: uint32(len(body))}

	done := make(chan struct{})
	go func() { tr.handleGetResponse(d, hdr, body); close(done) }()

	if got := readUpstreamLine(t, r); got != "VALUE widget 7 5\r\n" {
		t.Fatalf("value line = %q", got)
	}
	if got := readUpstreamLine(t, r); got != "HELLO\r\n" {
		t.Fatalf("value body = %q", got)
	}
	<-done
	if !u.HasReplied() {
		t.Error("expected MarkReplied to have run")
	}
}

func TestHandleGetResponseMissWritesNothing(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)

	u, _, _ := newUpstream(t)
	setPendingGet(u, "widget")
	d.AttachUpstream(u)

	hdr := binprot.Header{Opcode: binprot.OpGetK, Status: binprot.StatusKeyNotFound}
	tr.handleGetResponse(d, hdr, nil)

	if u.HasReplied() {
		t.Error("a miss should not mark the upstream as replied")
	}
}

func TestHandleGetResponseMultigetOnlyNotifiesRegisteredUpstreams(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)

	a, ra, _ := newUpstream(t)
	setPendingGet(a, "k1")
	b, _, _ := newUpstream(t)
	setPendingGet(b, "k2")
	d.AttachUpstream(a)
	d.AttachUpstream(b)
	d.AllocMultiget()
	d.RegisterMultigetKey("k1", a)

	body := append(binprot.SetExtras(0, 0)[:4], []byte("k1v")...)
	hdr := binprot.Header{Opcode: binprot.OpGetK, Status: binprot.StatusOK, ExtLen: 4, KeyLen: 2, BodyLen: uint32(len(body))}

	done := make(chan struct{})
	go func() { tr.handleGetResponse(d, hdr, body); close(done) }()

	if got := readUpstreamLine(t, ra); got != "VALUE k1 0 1\r\n" {
		t.Fatalf("line = %q", got)
	}
	_ = readUpstreamLine(t, ra) // the value bytes
	<-done
	if b.HasReplied() {
		t.Error("b never registered interest in k1 and should not be marked replied")
	}
}

func TestHandleStatResponseMergesPairsAndIgnoresTerminator(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)
	d.AllocMerger()

	hdr := binprot.Header{Opcode: binprot.OpStat, KeyLen: 3}
	tr.handleStatResponse(d, hdr, []byte("pid1234"))
	if got := d.Merger()["pid"]; got != "1234" {
		t.Errorf("merger[pid] = %q, want 1234", got)
	}

	tr.handleStatResponse(d, binprot.Header{Opcode: binprot.OpStat, KeyLen: 0}, nil)
	if len(d.Merger()) != 1 {
		t.Errorf("terminator response should not add a merger entry, got %d entries", len(d.Merger()))
	}
}

func TestHandleStorageResponseMapsStatuses(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)

	cases := []struct {
		status binprot.Status
		want   string
	}{
		{binprot.StatusOK, "STORED\r\n"},
		{binprot.StatusKeyExists, "EXISTS\r\n"},
		{binprot.StatusKeyNotFound, "NOT_FOUND\r\n"},
		{binprot.StatusNotStored, "NOT_STORED\r\n"},
		{binprot.StatusOutOfMemory, "SERVER_ERROR backend storage error\r\n"},
	}
	for _, c := range cases {
		d := newTestDownstream(t, fb)
		u, r, _ := newUpstream(t)
		setPendingSimple(u, "set widget")
		d.AttachUpstream(u)

		done := make(chan struct{})
		go func() { tr.handleStorageResponse(d, binprot.Header{Status: c.status}); close(done) }()
		if got := readUpstreamLine(t, r); got != c.want {
			t.Errorf("status %v: line = %q, want %q", c.status, got, c.want)
		}
		<-done
	}
}

func TestHandleDeleteResponseMapsStatuses(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)

	cases := []struct {
		status binprot.Status
		want   string
	}{
		{binprot.StatusOK, "DELETED\r\n"},
		{binprot.StatusKeyNotFound, "NOT_FOUND\r\n"},
		{binprot.StatusInvalidArgs, "SERVER_ERROR backend delete error\r\n"},
	}
	for _, c := range cases {
		d := newTestDownstream(t, fb)
		u, r, _ := newUpstream(t)
		setPendingSimple(u, "delete widget")
		d.AttachUpstream(u)

		done := make(chan struct{})
		go func() { tr.handleDeleteResponse(d, binprot.Header{Status: c.status}); close(done) }()
		if got := readUpstreamLine(t, r); got != c.want {
			t.Errorf("status %v: line = %q, want %q", c.status, got, c.want)
		}
		<-done
	}
}

func TestHandleIncrDecrResponseCounterAndNonNumeric(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)

	d1 := newTestDownstream(t, fb)
	u1, r1, _ := newUpstream(t)
	setPendingSimple(u1, "incr widget 1")
	d1.AttachUpstream(u1)
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, 42)
	done := make(chan struct{})
	go func() { tr.handleIncrDecrResponse(d1, binprot.Header{Status: binprot.StatusOK}, body); close(done) }()
	if got := readUpstreamLine(t, r1); got != "42\r\n" {
		t.Fatalf("counter line = %q, want 42", got)
	}
	<-done

	d2 := newTestDownstream(t, fb)
	u2, r2, _ := newUpstream(t)
	setPendingSimple(u2, "incr widget 1")
	d2.AttachUpstream(u2)
	done2 := make(chan struct{})
	go func() {
		tr.handleIncrDecrResponse(d2, binprot.Header{Status: binprot.StatusNonNumeric}, nil)
		close(done2)
	}()
	if got := readUpstreamLine(t, r2); got != "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n" {
		t.Fatalf("line = %q", got)
	}
	<-done2
}

func TestBeforeReleaseWritesMergerAndSuffix(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)

	u, r, _ := newUpstream(t)
	setPendingSimple(u, "stats")
	d.AttachUpstream(u)
	d.AllocMerger()
	d.MergeStat("pid", "1234")
	d.SetUpstreamSuffix("END\r\n")

	done := make(chan struct{})
	go func() { tr.beforeRelease(d); close(done) }()

	if got := readUpstreamLine(t, r); got != "STAT pid 1234\r\n" {
		t.Fatalf("stat line = %q", got)
	}
	if got := readUpstreamLine(t, r); got != "END\r\n" {
		t.Fatalf("suffix line = %q", got)
	}
	<-done
	if u.State() != 0 { // StateNewCmd
		t.Errorf("state = %v, want StateNewCmd after release", u.State())
	}
}

func TestHandleConnErrorRetriesSoleUnrepliedUpstream(t *testing.T) {
	fb := newFakeBackend(t)
	pt, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)
	d.SetUsed(1)

	u, _, _ := newUpstream(t)
	setPendingSimple(u, "delete widget")
	d.AttachUpstream(u)

	// d.Conn(0) is never dialed; handleConnError's conn.Close() is a no-op
	// on an unconnected backendconn.Conn, matching the real failure path
	// where the socket has already dropped by the time this runs.
	tr.handleConnError(d, 0, d.Conn(0))

	if u.Retries() != 1 {
		t.Errorf("Retries() = %d, want 1", u.Retries())
	}
	if d.UpstreamCount() != 0 {
		t.Errorf("expected the retried upstream to be detached from the old Downstream")
	}
	if pt.Stats().TotRetry.Load() != 1 {
		t.Errorf("TotRetry = %d, want 1", pt.Stats().TotRetry.Load())
	}
	if !pt.WaitQueueEmpty() {
		t.Error("retried upstream should have been re-paired immediately (fresh Downstream available)")
	}
}

func TestHandleConnErrorServerErrorsAlreadyRepliedUpstream(t *testing.T) {
	fb := newFakeBackend(t)
	_, tr := newTestPTD(t, fb)
	d := newTestDownstream(t, fb)
	d.SetUsed(1)

	u, r, _ := newUpstream(t)
	setPendingSimple(u, "delete widget")
	u.MarkReplied()
	d.AttachUpstream(u)

	done := make(chan struct{})
	go func() { tr.handleConnError(d, 0, d.Conn(0)); close(done) }()

	if got := readUpstreamLine(t, r); got != "SERVER_ERROR proxy downstream closed\r\n" {
		t.Fatalf("line = %q", got)
	}
	<-done
	if u.Retries() != 0 {
		t.Errorf("an already-replied upstream must not be retried, Retries() = %d", u.Retries())
	}
}
