// Package metrics builds the Prometheus collectors for every SPNS
// component and exposes the scrape handler spnsd serves on its metrics
// port, following the teacher's promhttp.Handler()-on-the-default-
// registry convention (cmd/nexus/main.go).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oxen-io/session-push-notification-server/internal/hivemind"
	"github.com/oxen-io/session-push-notification-server/internal/pgpool"
	"github.com/oxen-io/session-push-notification-server/internal/snode"
)

// Registry holds the collector sets for every instrumented component,
// all registered against a single prometheus.Registerer at construction
// time.
type Registry struct {
	HiveMind *hivemind.Metrics
	SNode    *snode.Metrics
	Pool     *pgpool.Metrics
}

// New builds and registers collectors for every component against
// registerer. Pass prometheus.DefaultRegisterer to match the teacher's
// promhttp.Handler() convention, or a fresh prometheus.NewRegistry() in
// tests to avoid cross-test collector collisions.
func New(registerer prometheus.Registerer) *Registry {
	return &Registry{
		HiveMind: hivemind.NewMetrics(registerer),
		SNode:    snode.NewMetrics(registerer),
		Pool:     pgpool.NewMetrics(registerer),
	}
}

// Handler returns the HTTP handler spnsd mounts at /metrics. It always
// scrapes the process-wide default registry, matching promhttp.Handler's
// own behavior; callers that built a Registry against a non-default
// prometheus.Registerer should use promhttp.HandlerFor instead.
func Handler() http.Handler {
	return promhttp.Handler()
}
