// Package telemetry exposes engine.Stats as Prometheus metrics over a gin
// HTTP server. The engine package has no knowledge of this package — it
// only depends on the engine.Recorder interface, which Recorder here
// implements.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kvbatch/kvbatch/engine"
)

const gracefulShutdownTimeout = 5 * time.Second

// Recorder implements engine.Recorder, mirroring each step's Stats into a
// private Prometheus registry and a mutex-guarded snapshot for the
// debug-state endpoint.
type Recorder struct {
	registry *prometheus.Registry

	freeBlocks      prometheus.Gauge
	hashMapSize     prometheus.Gauge
	lastBatchSize   prometheus.Gauge
	lastPreemptions prometheus.Gauge
	decodeSteps     prometheus.Counter
	preemptionTotal prometheus.Counter

	mu   sync.Mutex
	last engine.Stats
}

// NewRecorder builds a Recorder with its own Prometheus registry — never
// the global one, so multiple engines can run in a single process without
// metric name collisions.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvbatch",
			Name:      "free_blocks",
			Help:      "Number of KV-cache blocks currently on the free list.",
		}),
		hashMapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvbatch",
			Name:      "prefix_cache_entries",
			Help:      "Number of entries in the prefix-cache hash map.",
		}),
		lastBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvbatch",
			Name:      "last_batch_size",
			Help:      "Size of the most recently scheduled batch.",
		}),
		lastPreemptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvbatch",
			Name:      "last_step_preemptions",
			Help:      "Number of sequences preempted during the most recent schedule call.",
		}),
		decodeSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvbatch",
			Name:      "schedule_calls_total",
			Help:      "Total number of Schedule calls observed.",
		}),
		preemptionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvbatch",
			Name:      "preemptions_total",
			Help:      "Cumulative number of sequence preemptions.",
		}),
	}
	r.registry.MustRegister(
		r.freeBlocks, r.hashMapSize, r.lastBatchSize,
		r.lastPreemptions, r.decodeSteps, r.preemptionTotal,
	)
	return r
}

// ObserveStep implements engine.Recorder.
func (r *Recorder) ObserveStep(s engine.Stats) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()

	r.freeBlocks.Set(float64(s.FreeBlocks))
	r.hashMapSize.Set(float64(s.HashMapSize))
	r.lastBatchSize.Set(float64(s.LastBatchSize))
	r.lastPreemptions.Set(float64(s.LastPreemptions))
	r.decodeSteps.Inc()
	if s.LastPreemptions > 0 {
		r.preemptionTotal.Add(float64(s.LastPreemptions))
	}
}

// Snapshot returns the most recently observed Stats.
func (r *Recorder) Snapshot() engine.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Serve starts a gin HTTP server on addr exposing /metrics and
// /debug/state, and blocks until ctx is cancelled, at which point it
// shuts the server down gracefully.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	router.GET("/debug/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.Snapshot())
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))

	server := &http.Server{Addr: addr, Handler: router.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down telemetry server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
