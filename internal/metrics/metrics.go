// Package metrics exposes the crypto machine's internal counters on a
// private Prometheus registry. Nothing here serves HTTP — an embedder
// that wants scraping wires the Registry into its own exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the machine registers.
var Registry = prometheus.NewRegistry()

var (
	// OlmSessionsCreated counts pairwise sessions established, by
	// direction ("inbound" or "outbound").
	OlmSessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "olm",
		Name:      "sessions_created_total",
		Help:      "Pairwise Olm sessions established.",
	}, []string{"direction"})

	// OlmDecryptFailures counts to-device decrypt failures, by reason.
	OlmDecryptFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "olm",
		Name:      "decrypt_failures_total",
		Help:      "Failed pairwise decrypts.",
	}, []string{"reason"})

	// GroupSessionsRotated counts outbound Megolm session rotations,
	// by the policy trigger that forced them.
	GroupSessionsRotated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "megolm",
		Name:      "sessions_rotated_total",
		Help:      "Outbound group session rotations.",
	}, []string{"reason"})

	// RoomKeysShared counts room keys delivered to devices.
	RoomKeysShared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "megolm",
		Name:      "room_keys_shared_total",
		Help:      "Room keys encrypted to individual devices.",
	})

	// GossipRequests counts gossip request outcomes ("sent",
	// "satisfied", "cancelled", "rejected").
	GossipRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "gossip",
		Name:      "requests_total",
		Help:      "Room key and secret gossip request outcomes.",
	}, []string{"outcome"})

	// VerificationOutcomes counts finished verification flows
	// ("done", "cancelled", "expired").
	VerificationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "verification",
		Name:      "flows_total",
		Help:      "Verification flow outcomes.",
	}, []string{"outcome"})

	// TrackedUsers gauges how many users' device lists are followed.
	TrackedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "e2ee",
		Subsystem: "identity",
		Name:      "tracked_users",
		Help:      "Users whose device lists this machine follows.",
	})

	// StoreCommits counts change-set commits, by result.
	StoreCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "e2ee",
		Subsystem: "store",
		Name:      "commits_total",
		Help:      "Change-set commits.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		OlmSessionsCreated,
		OlmDecryptFailures,
		GroupSessionsRotated,
		RoomKeysShared,
		GossipRequests,
		VerificationOutcomes,
		TrackedUsers,
		StoreCommits,
	)
}
