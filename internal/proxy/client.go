package proxy

import (
	"errors"
	"io"
	"log"
	"net"

	"github.com/memcachedproxy/memcachedproxy/internal/a2b"
	"github.com/memcachedproxy/memcachedproxy/internal/ascii"
	"github.com/memcachedproxy/memcachedproxy/internal/ptd"
	"github.com/memcachedproxy/memcachedproxy/internal/upstreamconn"
	apperrors "github.com/memcachedproxy/memcachedproxy/pkg/errors"
)

// ClientLoop owns one upstream (client) connection for its entire
// lifetime, pinned to pt. It reads command lines, parses and classifies
// them, posts the now-pending command onto pt's wait queue, and blocks
// for WaitDone before reading the next line — upstreamconn.Conn state
// (pendingCmd, pendingItem) is unprotected, so only one command at a
// time may be in flight per connection (spec.md §5).
func (p *Proxy) ClientLoop(pt *ptd.PTD, conn net.Conn) {
	uc := upstreamconn.New(conn, p.readBuf, p.writeBuf)
	defer func() {
		pt.Post(func() { pt.HandleUpstreamClose(uc) })
		_ = uc.Close()
	}()

	for {
		line, err := uc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("proxy: client %s read error: %v", uc.Addr(), err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, err := ascii.ParseLine(line)
		if err != nil {
			log.Printf("proxy: %v", apperrors.Wrap(apperrors.CodeParseRequest, "unparseable upstream command", err))
			_ = uc.WriteLine("CLIENT_ERROR a2b parse request\r\n")
			continue
		}

		switch cmd.Verb {
		case "quit":
			return
		case "version":
			_ = uc.WriteLine("VERSION memcachedproxy\r\n")
			continue
		}

		if _, known := a2b.Lookup(cmd.Verb); !known {
			_ = uc.WriteLine("ERROR\r\n")
			continue
		}

		if cmd.IsStorage() {
			hdr, err := ascii.ParseStorageHeader(line)
			if err != nil {
				_ = uc.WriteLine("CLIENT_ERROR bad command line format\r\n")
				continue
			}
			raw, err := uc.ReadFull(hdr.Bytes + 2)
			if err != nil {
				return
			}
			data := raw[:hdr.Bytes]
			uc.SetPendingItem(&ascii.Item{Header: hdr, Data: data})
		}

		uc.ResetCommand()
		uc.SetPendingASCII(cmd)
		pt.Post(func() { pt.Enqueue(uc) })
		uc.WaitDone()
	}
}
