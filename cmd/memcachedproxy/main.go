// memcachedproxy - memcached-aware ASCII/binary protocol proxy
package main

import (
	"context"
	"flag"
	"fmt"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/config"
	"github.com/memcachedproxy/memcachedproxy/internal/proxy"
	"github.com/memcachedproxy/memcachedproxy/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("memcachedproxy v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	p := proxy.NewProxy(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go p.Run(stop)

	if cfg.HTTPAddr != "" {
		go p.HttpServe(ctx)
	}

	go func() {
		if err := p.AcceptLoop(ctx); err != nil {
			logger.Error("accept loop error: %v", err)
			cancel()
		}
	}()

	logger.Info("memcachedproxy started: listen=%s backend=%s workers=%d", cfg.Listen, cfg.Backend, cfg.Behavior.Nthreads)

	<-sigCh
	logger.Info("shutting down...")

	cancel()
	close(stop)

	time.Sleep(500 * time.Millisecond)
	logger.Info("shutdown complete")
}
