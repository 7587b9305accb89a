// Package proxy implements the memcached-aware proxy's client-facing
// surface: accepting upstream (client) connections, reading and
// dispatching their ASCII commands onto the right PTD's wait queue, and
// serving the HTTP status/health/metrics endpoints. Adapted from the
// teacher's internal/proxy.Proxy (AcceptLoop/ClientLoop/HttpServe shape,
// promhttp wiring) generalized from one fixed Stratum upstream to N
// worker PTDs fanning out to a configurable memcached backend set.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/a2b"
	"github.com/memcachedproxy/memcachedproxy/internal/backendconn"
	"github.com/memcachedproxy/memcachedproxy/internal/config"
	"github.com/memcachedproxy/memcachedproxy/internal/ptd"
	"github.com/memcachedproxy/memcachedproxy/internal/stats"
)

// Proxy owns the set of worker PTDs and the live configuration they read
// through the ptd.ConfigSource interface.
type Proxy struct {
	mu        sync.RWMutex
	cfg       *config.Config
	configVer int64

	ptds []*ptd.PTD
	rr   atomic.Uint64

	connCfg  backendconn.Config
	readBuf  int
	writeBuf int

	startTime time.Time
}

// NewProxy builds a Proxy and its worker PTDs from cfg. Every PTD gets its
// own stats.Counters and its own a2b.Translator, matching one event-loop
// goroutine per worker (spec.md §5).
func NewProxy(cfg *config.Config) *Proxy {
	p := &Proxy{
		cfg:       cfg,
		configVer: 1,
		connCfg:   backendconn.DefaultConfig(),
		readBuf:   16 * 1024,
		writeBuf:  16 * 1024,
		startTime: time.Now(),
	}

	n := cfg.Behavior.Nthreads
	if n <= 0 {
		n = 1
	}
	p.ptds = make([]*ptd.PTD, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%d", i)
		st := stats.New()
		pt := ptd.New(id, p, st, p.connCfg, nil)
		tr := a2b.New(pt)
		pt.SetPropagator(tr.Propagate)
		if err := stats.RegisterPrometheus(cfg.Name, id, st); err != nil {
			log.Printf("proxy: prometheus registration failed for %s: %v", id, err)
		}
		p.ptds[i] = pt
	}
	return p
}

// Snapshot satisfies ptd.ConfigSource: every PTD reads the live backend
// string, config version, and behavior through this method (spec.md §4.1).
func (p *Proxy) Snapshot() ptd.ConfigSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ptd.ConfigSnapshot{
		Backend:   p.cfg.Backend,
		ConfigVer: p.configVer,
		Behavior:  p.cfg.Behavior,
		Socks:     p.cfg.Socks,
	}
}

// Reload installs newCfg, bumping the config version so every Downstream
// created under the old backend string is recognized as stale on its next
// release (spec.md §4.1, §5).
func (p *Proxy) Reload(newCfg *config.Config) {
	p.mu.Lock()
	p.cfg = newCfg
	p.configVer++
	p.mu.Unlock()
	log.Printf("proxy: configuration reloaded (config_ver=%d)", p.configVer)
}

// Run starts every worker's event loop and blocks until stop is closed.
func (p *Proxy) Run(stop <-chan struct{}) {
	var wg sync.WaitGroup
	for _, pt := range p.ptds {
		wg.Add(1)
		go func(pt *ptd.PTD) {
			defer wg.Done()
			pt.Run(stop)
		}(pt)
	}
	wg.Wait()
}

// nextPTD round-robins across workers for a newly accepted connection.
func (p *Proxy) nextPTD() *ptd.PTD {
	i := p.rr.Add(1) - 1
	return p.ptds[int(i)%len(p.ptds)]
}

// AcceptLoop accepts upstream connections on cfg.Listen and hands each to
// its own ClientLoop goroutine, pinned to one PTD for its lifetime.
func (p *Proxy) AcceptLoop(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.Listen, err)
	}
	log.Printf("proxy: listening on %s", p.cfg.Listen)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("proxy: accept error: %v", err)
			continue
		}
		pt := p.nextPTD()
		go p.ClientLoop(pt, conn)
	}
}
