package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propaccess_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	accessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_access_decisions_total",
		Help: "Count of access decisions by capability, outcome and deny reason",
	}, []string{"capability", "outcome", "reason"})

	accessDecisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propaccess_access_decision_duration_seconds",
		Help:    "Duration of access decision evaluations",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	auditScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_audit_scans_total",
		Help: "Count of consistency audit scans by result",
	}, []string{"result"})

	auditScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propaccess_audit_scan_duration_seconds",
		Help:    "Duration of full consistency audit scans",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"result"})

	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_findings_total",
		Help: "Count of consistency findings by type",
	}, []string{"finding_type"})

	findingsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propaccess_findings_dropped_total",
		Help: "Count of findings dropped because the report buffer was full",
	})

	sinkPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_sink_publishes_total",
		Help: "Count of finding publishes by sink and result",
	}, []string{"sink", "result"})

	lastScanFindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "propaccess_last_scan_findings",
		Help: "Number of findings produced by the most recent completed scan",
	})

	invitationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_invitation_events_total",
		Help: "Count of invitation lifecycle events",
	}, []string{"event"})

	membershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propaccess_membership_transitions_total",
		Help: "Count of membership status transitions",
	}, []string{"from", "to"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordDecision records a single access decision. reason is empty for
// allows and is normalized to "none" so the label set stays bounded.
func RecordDecision(capability string, allowed bool, reason string, duration time.Duration) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	if reason == "" {
		reason = "none"
	}
	accessDecisionsTotal.WithLabelValues(capability, outcome, reason).Inc()
	accessDecisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveAuditScan records the duration of a full audit scan with a result label.
func ObserveAuditScan(result string, duration time.Duration) {
	auditScansTotal.WithLabelValues(result).Inc()
	auditScanDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordFinding increments the finding counter for the given type.
func RecordFinding(findingType string) {
	findingsTotal.WithLabelValues(findingType).Inc()
}

// RecordFindingDropped counts a finding lost to backpressure.
func RecordFindingDropped() {
	findingsDropped.Inc()
}

// ObserveSinkPublish increments the publish counter for a sink and result.
func ObserveSinkPublish(sink, result string) {
	sinkPublishesTotal.WithLabelValues(sink, result).Inc()
}

// SetLastScanFindings sets the finding gauge after a completed scan.
func SetLastScanFindings(count int) {
	if count < 0 {
		count = 0
	}
	lastScanFindings.Set(float64(count))
}

// RecordInvitationEvent counts an invitation lifecycle event
// (issued, accepted, revoked, expired).
func RecordInvitationEvent(event string) {
	invitationEvents.WithLabelValues(event).Inc()
}

// AddInvitationEvents counts n occurrences at once, used by the batch
// expiry sweep.
func AddInvitationEvents(event string, n int64) {
	if n <= 0 {
		return
	}
	invitationEvents.WithLabelValues(event).Add(float64(n))
}

// RecordMembershipTransition counts a membership status change.
func RecordMembershipTransition(from, to string) {
	membershipTransitions.WithLabelValues(from, to).Inc()
}

// AddMembershipTransitions counts n transitions at once, used by the
// batch expiry sweep.
func AddMembershipTransitions(from, to string, n int64) {
	if n <= 0 {
		return
	}
	membershipTransitions.WithLabelValues(from, to).Add(float64(n))
}
