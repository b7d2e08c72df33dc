package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	containerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconvisor",
			Subsystem: "container",
			Name:      "starts_total",
			Help:      "Number of container starts by mode (created, resumed, attached).",
		}, []string{"name", "mode"},
	)
	imagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconvisor",
			Subsystem: "image",
			Name:      "pulls_total",
			Help:      "Number of image pulls by result (ok, failed, cancelled).",
		}, []string{"result"},
	)
	readinessWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beaconvisor",
			Subsystem: "container",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for a started container to report running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	watchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "beaconvisor",
			Subsystem: "watcher",
			Name:      "active",
			Help:      "Number of running head watchers.",
		},
	)
	headSlot = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "beaconvisor",
			Subsystem: "node",
			Name:      "head_slot",
			Help:      "Last head slot reported by a tracked node.",
		}, []string{"url"},
	)
	headEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beaconvisor",
			Subsystem: "watcher",
			Name:      "head_events_total",
			Help:      "Number of head events applied.",
		},
	)
	streamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beaconvisor",
			Subsystem: "watcher",
			Name:      "stream_errors_total",
			Help:      "Number of head stream and subscription errors.",
		},
	)
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconvisor",
			Subsystem: "orchestrator",
			Name:      "intents_total",
			Help:      "Number of handled operator intents by kind and result.",
		}, []string{"kind", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{containerStarts, imagePulls, readinessWait, watchersActive, headSlot, headEvents, streamErrors, intents}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncContainerStart(name, mode string) {
	if regOK.Load() {
		containerStarts.WithLabelValues(name, mode).Inc()
	}
}

func IncImagePull(result string) {
	if regOK.Load() {
		imagePulls.WithLabelValues(result).Inc()
	}
}

func ObserveReadinessWait(name string, seconds float64) {
	if regOK.Load() {
		readinessWait.WithLabelValues(name).Observe(seconds)
	}
}

func SetWatchersActive(n int) {
	if regOK.Load() {
		watchersActive.Set(float64(n))
	}
}

func SetHeadSlot(url string, slot uint64) {
	if regOK.Load() {
		headSlot.WithLabelValues(url).Set(float64(slot))
	}
}

// ForgetNode drops per-node series once a node is no longer tracked.
func ForgetNode(url string) {
	if regOK.Load() {
		headSlot.DeleteLabelValues(url)
	}
}

func IncHeadEvents() {
	if regOK.Load() {
		headEvents.Inc()
	}
}

func IncStreamErrors() {
	if regOK.Load() {
		streamErrors.Inc()
	}
}

func IncIntent(kind, result string) {
	if regOK.Load() {
		intents.WithLabelValues(kind, result).Inc()
	}
}
