// Package metrics exposes Prometheus collectors for the progress engine.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subpulse/subpulse/internal/progress"
)

// Recorder owns the engine's collectors and satisfies the tracker's Recorder
// interface. It is safe for concurrent use.
type Recorder struct {
	jobsTracked     prometheus.Gauge
	jobsSeen        prometheus.Counter
	eventsTotal     *prometheus.CounterVec
	subscribeErrors prometheus.Counter
	transportErrors prometheus.Counter
}

// NewRecorder registers the collectors against the provided registry; nil
// falls back to the default registerer.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		jobsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subpulse_jobs_tracked",
			Help: "Current number of jobs with a live progress subscription.",
		}),
		jobsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subpulse_jobs_seen_total",
			Help: "Total jobs that have ever entered the registry.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subpulse_events_total",
			Help: "Progress events applied, partitioned by phase and status.",
		}, []string{"phase", "status"}),
		subscribeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subpulse_subscribe_errors_total",
			Help: "Failed attempts to open a progress subscription.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subpulse_transport_errors_total",
			Help: "Push connections lost to transport errors.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		r.jobsTracked,
		r.jobsSeen,
		r.eventsTotal,
		r.subscribeErrors,
		r.transportErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return r, nil
}

// JobTracked bumps the tracked-jobs gauge when a subscription opens.
func (r *Recorder) JobTracked() {
	r.jobsTracked.Inc()
	r.jobsSeen.Inc()
}

// JobUntracked lowers the gauge when a job leaves the running snapshot.
func (r *Recorder) JobUntracked() {
	r.jobsTracked.Dec()
}

// EventApplied counts one applied event.
func (r *Recorder) EventApplied(phase progress.Phase, status progress.Status) {
	label := string(phase)
	if label == "" {
		label = "none"
	}
	r.eventsTotal.WithLabelValues(label, string(status)).Inc()
}

// SubscribeError counts a failed subscription attempt.
func (r *Recorder) SubscribeError() {
	r.subscribeErrors.Inc()
}

// TransportError counts a lost push connection.
func (r *Recorder) TransportError() {
	r.transportErrors.Inc()
}

// Handler serves the given registry over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
