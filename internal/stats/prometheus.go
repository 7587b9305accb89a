package stats

import "github.com/prometheus/client_golang/prometheus"

// RegisterPrometheus exposes one PTD's counters as prometheus collectors,
// labelled by worker id. Unlike the teacher's half-finished
// PrometheusCollectors (which tried to Add() onto a Counter from an
// already-cumulative atomic load), every metric here is backed by a
// CounterFunc/GaugeFunc reading the atomic fields directly, so there is
// no separate value to keep in sync.
func RegisterPrometheus(namespace string, worker string, c *Counters) error {
	constLabels := prometheus.Labels{"worker": worker}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "num_upstream",
			Help:        "Upstreams currently paired with a downstream",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.NumUpstream.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "num_downstream_conn",
			Help:        "Live downstream sockets",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.NumDownstreamConn.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "downstream_reserved_total",
			Help:        "Downstreams reserved from the pool",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotDownstreamReserved.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "downstream_released_total",
			Help:        "Downstreams released back to the pool",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotDownstreamReleased.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "downstream_freed_total",
			Help:        "Downstreams freed due to stale config",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotDownstreamFreed.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "downstream_max_reached_total",
			Help:        "Pool reservation attempts that hit downstream_max",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotDownstreamMaxReached.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "oom_total",
			Help:        "Allocation failures",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotOOM.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "retry_total",
			Help:        "One-shot upstream retries after a downstream failure",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.TotRetry.Load()) }),
	}

	for _, col := range collectors {
		if err := prometheus.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
