// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crowbar"

var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Checkout session reconciliations by payment type and outcome.",
	}, []string{"payment_type", "outcome"})

	ReconciliationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconciliation_duration_seconds",
		Help:      "Time spent reconciling one checkout session.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"payment_type"})

	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_entries_total",
		Help:      "Ledger rows written by reason family.",
	}, []string{"reason"})

	BonusGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bonus_grants_total",
		Help:      "One-time bonus grants by rule.",
	}, []string{"rule"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Balance notifications by result.",
	}, []string{"result"})
)

// ReasonLabel collapses a ledger reason to its family so partner and tier
// suffixes do not explode label cardinality.
func ReasonLabel(reason string) string {
	for _, prefix := range []string{"membership_purchase_", "limited_pass_", "legacy_", "api.earn", "api.spend"} {
		if strings.HasPrefix(reason, prefix) {
			return strings.TrimSuffix(prefix, "_")
		}
	}
	return reason
}
