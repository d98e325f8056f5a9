// Package metrics exposes the supervisor process's own ambient
// observability surface: a handful of Prometheus gauges/counters over
// the tick loop, served on an optional HTTP listener. It carries no
// cluster-management policy — spec.md's metrics non-goal is about
// synchronous-replication/backup metrics, not basic process
// observability, which the ambient stack always carries.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgsentinel/pgsentinel/internal/logging"
)

// Recorder wraps the small set of gauges/counters the supervisor
// updates once per tick.
type Recorder struct {
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	isLeader      prometheus.Gauge
}

// NewRecorder registers its metrics against a fresh registry so
// multiple Recorders (e.g. in tests) never collide on the default
// global one.
func NewRecorder() (*Recorder, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		cyclesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsentinel",
			Name:      "ha_cycles_total",
			Help:      "Number of HA control-loop cycles run, labeled by decision message.",
		}, []string{"message"}),
		cycleDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgsentinel",
			Name:      "ha_cycle_duration_seconds",
			Help:      "Wall-clock duration of one HA control-loop cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		isLeader: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "pgsentinel",
			Name:      "is_leader",
			Help:      "1 if this node believes it is the current primary, 0 otherwise.",
		}),
	}
	return r, reg
}

// ObserveCycle records one HA cycle's duration and decision message.
func (r *Recorder) ObserveCycle(d time.Duration, message string) {
	r.cycleDuration.Observe(d.Seconds())
	r.cyclesTotal.WithLabelValues(message).Inc()
}

// SetIsLeader records whether this node currently believes itself to be
// the primary.
func (r *Recorder) SetIsLeader(isLeader bool) {
	if isLeader {
		r.isLeader.Set(1)
		return
	}
	r.isLeader.Set(0)
}

// Serve runs a /metrics HTTP server on addr until ctx is canceled. An
// empty addr makes this a no-op.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *logging.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "metrics server exited")
	}
}
