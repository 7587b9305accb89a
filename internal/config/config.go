// Package config holds the proxy's process-wide configuration: the
// listen address, the backend config string, and the tunable behavior
// (pool caps, timeouts, downstream protocol).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/proxysocks"
)

// DownstreamProtocol selects the wire protocol spoken to backend hosts.
type DownstreamProtocol string

const (
	ProtocolASCII  DownstreamProtocol = "ascii"
	ProtocolBinary DownstreamProtocol = "binary"
)

// Behavior holds the tunables referenced throughout SPEC_FULL.md §6.
type Behavior struct {
	Nthreads            int                `json:"nthreads"`
	DownstreamMax       int                `json:"downstream_max"`
	DownstreamProt      DownstreamProtocol `json:"downstream_prot"`
	WaitQueueTimeoutMs  int                `json:"wait_queue_timeout_ms"`
	DownstreamTimeoutMs int                `json:"downstream_timeout_ms"`
}

// WaitQueueTimeout returns the wait-queue timeout as a time.Duration.
func (b Behavior) WaitQueueTimeout() time.Duration {
	return time.Duration(b.WaitQueueTimeoutMs) * time.Millisecond
}

// DownstreamTimeout returns the downstream request timeout as a time.Duration.
func (b Behavior) DownstreamTimeout() time.Duration {
	return time.Duration(b.DownstreamTimeoutMs) * time.Millisecond
}

// Config is the proxy's top-level process configuration, loaded from JSON.
type Config struct {
	Name     string            `json:"name"`
	Listen   string            `json:"listen"`
	HTTPAddr string            `json:"http_listen"`
	Backend  string            `json:"backend"` // opaque "host[:port],host[:port]" string, §6
	Behavior Behavior          `json:"behavior"`
	Socks    proxysocks.Config `json:"socks"` // egress SOCKS5 jump box for reaching Backend, §11
}

// Load reads and validates a JSON config file, filling in defaults the
// same way the teacher's cmd/karoo/main.go loadConfig does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "memcachedproxy"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":11311"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":11411"
	}
	if cfg.Behavior.Nthreads == 0 {
		cfg.Behavior.Nthreads = 4
	}
	if cfg.Behavior.DownstreamMax == 0 {
		cfg.Behavior.DownstreamMax = 4
	}
	if cfg.Behavior.DownstreamProt == "" {
		cfg.Behavior.DownstreamProt = ProtocolBinary
	}
	if cfg.Behavior.WaitQueueTimeoutMs == 0 {
		cfg.Behavior.WaitQueueTimeoutMs = 2500
	}
	if cfg.Behavior.DownstreamTimeoutMs == 0 {
		cfg.Behavior.DownstreamTimeoutMs = 5000
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Backend) == "" {
		return fmt.Errorf("backend is required (comma-separated host:port list)")
	}
	if cfg.Behavior.DownstreamProt == ProtocolASCII {
		return fmt.Errorf("behavior.downstream_prot %q is not yet implemented; only %q is wired", ProtocolASCII, ProtocolBinary)
	}
	if cfg.Behavior.DownstreamProt != ProtocolBinary {
		return fmt.Errorf("behavior.downstream_prot must be %q", ProtocolBinary)
	}
	if cfg.Behavior.DownstreamMax <= 0 {
		return fmt.Errorf("behavior.downstream_max must be positive")
	}
	return nil
}

// Snapshot is an immutable value-type copy of the mutable parts of Config:
// the backend string, its version, and the behavior in effect. Nothing in
// the module builds one; PTDs read ptd.ConfigSnapshot from the Proxy.
type Snapshot struct {
	Backend   string
	ConfigVer int64
	Behavior  Behavior
}
