// Package telemetry provides application-level observability for the access gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<FD_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is not served by the Gin router so the metrics
// endpoint is never reachable through the public listener.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Access guard decisions, stale session claims and membership lookups
//   - Audit writes, shipper failures and hash-chain breaks
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (the route template such as /dashboard/shipper/*path)
// rather than the raw request URL. Guard metrics use fixed guard and reason names.
// Only AuditChainBreaksTotal carries an organization ID, and it only gets a series
// when a chain is actually broken.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Access control metrics.
//
// AccessDecisionsTotal is a CounterVec with labels {guard, outcome, reason}.
// guard is one of require_shipper, require_forwarder, require_no_organization,
// require_any_organization. outcome is allow, redirect or error. reason is
// ok, unauthenticated, no_organization, wrong_org_type, has_organization or store_error.
//
// Example PromQL queries:
//   - Wrong-org redirects per guard:     sum by (guard) (rate(access_decisions_total{reason="wrong_org_type"}[5m]))
//   - Membership store failure ratio:    sum(rate(access_decisions_total{outcome="error"}[5m])) / sum(rate(access_decisions_total[5m]))
//
// SessionClaimStaleTotal counts decisions where the session's org-type claim
// disagreed with the membership store. A steady non-zero rate means sessions
// are not being refreshed after organization changes.
//
// MembershipAnomaliesTotal counts lookups that found more than one active
// membership for a user. The data model allows at most one, so any increase
// is a data-integrity problem to investigate.
var (
	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Total number of access guard decisions, by guard, outcome, and reason.",
		},
		[]string{"guard", "outcome", "reason"},
	)

	SessionClaimStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_claim_stale_total",
			Help: "Total number of requests whose session org-type claim disagreed with the membership store.",
		},
	)

	MembershipLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "membership_lookup_duration_seconds",
			Help:    "Histogram of active-membership lookup latencies against the membership store.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	MembershipAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "membership_anomalies_total",
			Help: "Total number of lookups that found more than one active membership for a user.",
		},
	)
)

// Audit metrics.
//
// AuditWritesTotal is a CounterVec with the label {result} (ok, error, dropped).
// Audit writes never fail the request that caused them, so this counter is the
// only signal that entries are being lost.
//
// Example PromQL queries:
//   - Audit write failure rate:          rate(audit_writes_total{result="error"}[5m])
//
// AuditShipFailuresTotal is labelled by shipper type (webhook, file, redis, archive).
//
// AuditChainBreaksTotal is labelled by organization ID and incremented by the
// chain verifier each time it finds an entry whose hash does not match.
var (
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit entry writes, by result.",
		},
		[]string{"result"},
	)

	AuditShipFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_ship_failures_total",
			Help: "Total number of audit entries that failed to ship to an external sink, by shipper.",
		},
		[]string{"shipper"},
	)

	AuditChainBreaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_breaks_total",
			Help: "Total number of audit hash-chain breaks detected by the verifier, by organization.",
		},
		[]string{"organization_id"},
	)

	AuditChainVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chain_verify_duration_seconds",
			Help:    "Duration of a full audit chain verification run.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Database metrics
//
// DBOpenConnections is a Gauge updated every 30 s by StartDBStatsCollector.
//
// Example PromQL queries:
//   - Current open connections:          db_open_connections
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Number of established connections to the database (in-use + idle).",
	},
)

// StartDBStatsCollector launches a background goroutine that polls db.Stats() every 30 seconds
// and updates DBOpenConnections. The goroutine exits if the database becomes unreachable.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
