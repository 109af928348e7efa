// Package metrics defines the Prometheus collectors for the chat server.
// All collectors register with the default registry on package init and are
// served by the /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabletalk_chat"

// SessionsActive is the number of open transport sessions.
// Label:
//   - codec: "binary" or "json"
var SessionsActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently open chat sessions.",
	},
	[]string{"codec"},
)

// RoomsActive is the number of rooms with at least one member.
var RoomsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of rooms that currently have members.",
	},
)

// EnvelopesTotal counts inbound envelopes by tag and outcome.
// Labels:
//   - type: envelope tag, or "malformed"
//   - result: "ok" or an error code such as "NOT_IN_ROOM"
var EnvelopesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_total",
		Help:      "Inbound envelopes processed, by type and result.",
	},
	[]string{"type", "result"},
)

// BroadcastDeliveries counts per-member broadcast deliveries.
// Label:
//   - result: "ok" or "dropped"
var BroadcastDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_deliveries_total",
		Help:      "Broadcast deliveries to room members, by result.",
	},
	[]string{"result"},
)

// BroadcastFanout observes how many members a single broadcast reached.
var BroadcastFanout = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_fanout",
		Help:      "Number of members reached per broadcast.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	},
)

// DisconnectsTotal counts server-initiated and client disconnects.
// Label:
//   - reason: "client", "auth", "malformed", "slow_consumer", "write_error", "shutdown"
var DisconnectsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnects_total",
		Help:      "Session disconnects, by reason.",
	},
	[]string{"reason"},
)

// UpgradeFailures counts rejected WebSocket handshakes.
// Label:
//   - reason: "unauthorized", "handshake"
var UpgradeFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upgrade_failures_total",
		Help:      "Rejected WebSocket upgrade attempts, by reason.",
	},
	[]string{"reason"},
)

// PresenceSwept counts presence entries removed by the idle sweeper.
var PresenceSwept = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_swept_total",
		Help:      "Idle presence entries removed by the scheduled sweep.",
	},
)
