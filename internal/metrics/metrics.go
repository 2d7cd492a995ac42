// Package metrics exposes Prometheus counters for extraction runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framesnap/framesnap/internal/extract"
)

var (
	FramesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesnap_frames_written_total",
		Help: "Total number of frame images written",
	})

	BytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesnap_bytes_written_total",
		Help: "Total bytes of frame images written",
	})

	JobErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesnap_job_errors_total",
		Help: "Frames that failed to write, by error kind",
	}, []string{"kind"})

	MirrorErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesnap_mirror_errors_total",
		Help: "Frames whose mirror upload failed",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesnap_runs_total",
		Help: "Finished extraction runs, by final state and backend",
	}, []string{"state", "backend"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framesnap_run_duration_seconds",
		Help:    "Wall time of extraction runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"state"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framesnap_active_runs",
		Help: "Number of extraction runs in progress",
	})
)

// ObserveRun records the outcome of a finished run.
func ObserveRun(rep *extract.Report) {
	backend := rep.Backend
	if backend == "" {
		backend = "none"
	}
	RunsTotal.WithLabelValues(string(rep.State), backend).Inc()
	RunDuration.WithLabelValues(string(rep.State)).Observe(rep.Elapsed.Seconds())

	FramesWrittenTotal.Add(float64(rep.Written))
	BytesWrittenTotal.Add(float64(rep.Bytes))
	MirrorErrorsTotal.Add(float64(rep.MirrorErrors))

	// Errors holds a bounded sample; attribute the rest to the first kind seen.
	if rep.Failed > 0 {
		byKind := map[string]int64{}
		var sampled int64
		for _, e := range rep.Errors {
			byKind[e.Kind]++
			sampled++
		}
		if rest := rep.Failed - sampled; rest > 0 {
			kind := "Internal"
			if len(rep.Errors) > 0 {
				kind = rep.Errors[0].Kind
			}
			byKind[kind] += rest
		}
		for kind, n := range byKind {
			JobErrorsTotal.WithLabelValues(kind).Add(float64(n))
		}
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
