package a2b

import (
	"bufio"
	"net"
	"testing"

	"github.com/memcachedproxy/memcachedproxy/internal/ascii"
	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	cfgpkg "github.com/memcachedproxy/memcachedproxy/internal/config"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/ptd"
	"github.com/memcachedproxy/memcachedproxy/internal/serverset"
	"github.com/memcachedproxy/memcachedproxy/internal/stats"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
)

// fakeBackend is a single-host memcached stand-in: a real TCP listener so
// backendconn.Conn's lazy Dial has somewhere to connect.
type fakeBackend struct {
	ln   net.Listener
	conn chan net.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBackend{ln: ln, conn: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fb.conn <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) addr() string { return fb.ln.Addr().String() }

// accept blocks for the next accepted connection.
func (fb *fakeBackend) accept(t *testing.T) net.Conn {
	t.Helper()
	return <-fb.conn
}

type fakeSource struct{ backend string }

func (f fakeSource) Snapshot() ptd.ConfigSnapshot {
	return ptd.ConfigSnapshot{Backend: f.backend, ConfigVer: 1, Behavior: cfgpkg.Behavior{DownstreamMax: 4}}
}

// newTestPTD builds a real PTD+Translator pair wired exactly as NewProxy
// wires them, pointed at a single-host fakeBackend.
func newTestPTD(t *testing.T, fb *fakeBackend) (*ptd.PTD, *Translator) {
	t.Helper()
	pt := ptd.New("w0", fakeSource{backend: fb.addr()}, stats.New(), backendconn.DefaultConfig(), nil)
	tr := New(pt)
	pt.SetPropagator(tr.Propagate)
	return pt, tr
}

// newTestDownstream reserves a Downstream directly against a single-host
// server set, bypassing the wait-queue/pairing machinery for tests that
// only exercise the A2B request/response translation.
func newTestDownstream(t *testing.T, fb *fakeBackend) *downstream.Downstream {
	t.Helper()
	ss, err := serverset.New(fb.addr(), nil)
	if err != nil {
		t.Fatalf("serverset.New: %v", err)
	}
	return downstream.New(1, ss, backendconn.DefaultConfig())
}

// newUpstream returns an upstreamconn.Conn wrapping one end of a net.Pipe,
// plus a buffered reader over the other end for inspecting what gets
// written back to the client.
func newUpstream(t *testing.T) (*upstreamconn.Conn, *bufio.Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	uc := upstreamconn.New(server, 4096, 4096)
	return uc, bufio.NewReader(client), client
}

func setPendingGet(uc *upstreamconn.Conn, keys ...string) {
	cmd := ascii.Command{Verb: "get", Tokens: append([]string{"get"}, keys...)}
	uc.SetPendingASCII(cmd)
}

func setPendingSimple(uc *upstreamconn.Conn, line string) {
	cmd, _ := ascii.ParseLine(line)
	uc.SetPendingASCII(cmd)
}
