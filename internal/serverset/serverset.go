// Package serverset parses the backend config string and picks, by key
// hash, which backend host owns a given key. Grounded on spec.md's
// "Backend config string" (§6) and server_set.hash in §4.5.1; dialing is
// adapted from the teacher's internal/proxysocks.Dialer so a backend
// pool can sit behind a SOCKS5 jump box.
package serverset

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/memcachedproxy/memcachedproxy/internal/proxysocks"
)

// Server is one backend memcached host.
type Server struct {
	Addr string // "host:port"
}

// ErrEmptyConfig is returned when the config string has no hosts.
var ErrEmptyConfig = fmt.Errorf("serverset: config string has no hosts")

// Parse splits an opaque "host[:port],host[:port]" string into Servers,
// defaulting a missing port to 11211 (the conventional memcached port).
func Parse(config string) ([]Server, error) {
	var servers []Server
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, ":") {
			part = part + ":11211"
		}
		servers = append(servers, Server{Addr: part})
	}
	if len(servers) == 0 {
		return nil, ErrEmptyConfig
	}
	return servers, nil
}

// ServerSet is a parsed, dialable backend pool. It is immutable after
// construction: spec.md says the backend config string is "re-parsed on
// every Downstream creation", so a Downstream builds a fresh ServerSet
// from the Proxy's current config snapshot rather than mutating a shared
// one.
type ServerSet struct {
	servers []Server
	dialer  *proxysocks.Dialer
}

// New parses config and wraps it with a dialer. socksCfg may be nil, in
// which case connections dial directly.
func New(config string, socksCfg *proxysocks.Config) (*ServerSet, error) {
	servers, err := Parse(config)
	if err != nil {
		return nil, err
	}
	if socksCfg == nil {
		socksCfg = &proxysocks.Config{Enabled: false}
	}
	dialer, err := proxysocks.NewDialer(socksCfg)
	if err != nil {
		return nil, fmt.Errorf("serverset: building dialer: %w", err)
	}
	return &ServerSet{servers: servers, dialer: dialer}, nil
}

// Len returns the number of backend hosts.
func (s *ServerSet) Len() int {
	return len(s.servers)
}

// Server returns the i'th backend host.
func (s *ServerSet) Server(i int) Server {
	return s.servers[i]
}

// All returns every backend host, for broadcast commands (spec.md §4.5.3).
func (s *ServerSet) All() []Server {
	return s.servers
}

// Hash picks the backend host index owning key, via xxhash modulo the
// host count — the same bounded hash shape
// server_set.hash(key) performs in spec.md §4.5.1.
func (s *ServerSet) Hash(key string) int {
	if len(s.servers) == 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(len(s.servers)))
}

// Dial opens a connection to the i'th backend host, through the SOCKS5
// dialer if configured.
func (s *ServerSet) Dial(ctx context.Context, i int) (net.Conn, error) {
	return s.dialer.DialContext(ctx, "tcp", s.servers[i].Addr)
}
