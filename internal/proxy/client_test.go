package proxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	cfgpkg "github.com/memcachedproxy/memcachedproxy/internal/config"
	"github.com/memcachedproxy/memcachedproxy/internal/downstream"
	"github.com/memcachedproxy/memcachedproxy/internal/ptd"
	"github.com/memcachedproxy/memcachedproxy/internal/stats"
)

type fakeSource struct{}

func (fakeSource) Snapshot() ptd.ConfigSnapshot {
	return ptd.ConfigSnapshot{
		Backend:   "127.0.0.1:11211",
		ConfigVer: 1,
		Behavior:  cfgpkg.Behavior{DownstreamMax: 2},
	}
}

func noopPropagate(d *downstream.Downstream) bool { return true }

func newTestProxyAndPTD() (*Proxy, *ptd.PTD) {
	p := &Proxy{readBuf: 256, writeBuf: 256}
	pt := ptd.New("w0", fakeSource{}, stats.New(), backendconn.DefaultConfig(), noopPropagate)
	return p, pt
}

// readReply reads one CRLF-terminated line off the client side of the pipe,
// failing the test if nothing arrives within the deadline.
func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return line
}

func TestClientLoopUnknownVerbRepliesError(t *testing.T) {
	p, pt := newTestProxyAndPTD()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() { p.ClientLoop(pt, server); close(done) }()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = client.Write([]byte("bogus\r\n"))

	reply := readReply(t, bufio.NewReader(client))
	if reply != "ERROR\r\n" {
		t.Fatalf("reply = %q, want ERROR\\r\\n", reply)
	}

	_, _ = client.Write([]byte("quit\r\n"))
	<-done
}

func TestClientLoopVersionRepliesVersionLine(t *testing.T) {
	p, pt := newTestProxyAndPTD()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() { p.ClientLoop(pt, server); close(done) }()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = client.Write([]byte("version\r\n"))

	reply := readReply(t, bufio.NewReader(client))
	if reply != "VERSION memcachedproxy\r\n" {
		t.Fatalf("reply = %q, want VERSION memcachedproxy\\r\\n", reply)
	}

	_, _ = client.Write([]byte("quit\r\n"))
	<-done
}

func TestClientLoopQuitClosesConnection(t *testing.T) {
	p, pt := newTestProxyAndPTD()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() { p.ClientLoop(pt, server); close(done) }()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = client.Write([]byte("quit\r\n"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientLoop to return after quit")
	}
}

func TestClientLoopMalformedStorageHeaderRepliesClientError(t *testing.T) {
	p, pt := newTestProxyAndPTD()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() { p.ClientLoop(pt, server); close(done) }()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	// "bytes" field is non-numeric, so ParseStorageHeader fails before any
	// item body is read off the wire.
	_, _ = client.Write([]byte("set foo 0 0 notanumber\r\n"))

	reply := readReply(t, bufio.NewReader(client))
	if reply != "CLIENT_ERROR bad command line format\r\n" {
		t.Fatalf("reply = %q, want CLIENT_ERROR bad command line format\\r\\n", reply)
	}

	_, _ = client.Write([]byte("quit\r\n"))
	<-done
}
