// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansAccepted counts successful scan submissions.
	ScansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_scans_accepted_total",
		Help: "Scan submissions that incremented a counter.",
	})

	// ScansRejected counts rejected scans by machine-readable reason.
	ScansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_rejected_total",
		Help: "Scan submissions rejected, labeled by reason.",
	}, []string{"reason"})

	// SessionsFinalized counts finalize runs (including idempotent re-runs).
	SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_finalized_total",
		Help: "Session finalization runs.",
	})

	// DaysNormalized counts day-normalization runs.
	DaysNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_days_normalized_total",
		Help: "Day normalization runs.",
	})

	// TokensIssued counts minted proof tokens.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_proof_tokens_issued_total",
		Help: "Proof tokens minted for live sessions.",
	})
)
