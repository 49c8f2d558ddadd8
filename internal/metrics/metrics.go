// Package metrics registers the engine's Prometheus collectors. The
// /metrics endpoint itself is wired in the serve command.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionsFinished counts sessions by terminal outcome.
	SessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netbootd_sessions_finished_total",
		Help: "Sessions reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// UnmatchedDiscoveries counts boot requests from unknown hardware.
	UnmatchedDiscoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netbootd_unmatched_discoveries_total",
		Help: "Boot requests whose hardware identity matched no profile.",
	})

	// ArtifactsServed counts fully transferred artifacts by kind.
	ArtifactsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netbootd_artifacts_served_total",
		Help: "Artifacts fully served to devices, by kind.",
	}, []string{"kind"})

	// IntegrityFailures counts artifacts refused after digest mismatch.
	IntegrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netbootd_integrity_failures_total",
		Help: "Artifact requests refused because verification failed.",
	})
)

func init() {
	prometheus.MustRegister(SessionsFinished, UnmatchedDiscoveries, ArtifactsServed, IntegrityFailures)
}
