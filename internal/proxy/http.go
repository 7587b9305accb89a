package proxy

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/memcachedproxy/memcachedproxy/internal/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusView is the /status JSON payload: one entry per worker plus the
// proxy's own uptime and current backend string.
type statusView struct {
	Uptime    string           `json:"uptime"`
	Backend   string           `json:"backend"`
	ConfigVer int64            `json:"config_ver"`
	Workers   []workerStatus   `json:"workers"`
}

type workerStatus struct {
	ID            string          `json:"id"`
	DownstreamNum int             `json:"downstream_num"`
	Stats         stats.Snapshot  `json:"stats"`
}

// HttpServe starts the HTTP server with health, status, metrics, and
// stats-reset endpoints (adapted from the teacher's HttpServe, which
// wired only /healthz, /status, and promhttp's /metrics).
func (p *Proxy) HttpServe(ctx context.Context) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := p.Snapshot()
		view := statusView{
			Uptime:    time.Since(p.startTime).Round(time.Second).String(),
			Backend:   snap.Backend,
			ConfigVer: snap.ConfigVer,
		}
		for _, pt := range p.ptds {
			view.Workers = append(view.Workers, workerStatus{
				ID:            pt.ID(),
				DownstreamNum: pt.DownstreamNum(),
				Stats:         pt.Stats().Snapshot(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})

	mux.HandleFunc("/reset-stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		for _, pt := range p.ptds {
			pt.Stats().Reset()
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: p.cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	log.Printf("proxy: http listening on %s", p.cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("proxy: http error: %v", err)
	}
}
