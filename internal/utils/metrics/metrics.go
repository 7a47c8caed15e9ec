package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sx_envelopes_accepted_total",
			Help: "Envelopes accepted by the relay, by data type.",
		},
		[]string{"data_type"},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sx_rejections_total",
			Help: "Rejected requests and envelopes, by error code.",
		},
		[]string{"code"},
	)

	Acknowledgements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sx_acknowledgements_total",
			Help: "Recipient acknowledgements, by reported result.",
		},
		[]string{"result"},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sx_notification_failures_total",
			Help: "Notifications that could not be dispatched.",
		},
	)

	SweptEnvelopes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sx_swept_envelopes_total",
			Help: "Envelopes moved to expired or purged by the sweeper.",
		},
	)

	GroupKeyRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sx_group_key_rotations_total",
			Help: "Group key rotations performed by this holder.",
		},
	)

	KeyShares = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sx_group_key_shares_total",
			Help: "Group key shares sent or received, by outcome.",
		},
		[]string{"outcome"},
	)

	Resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sx_resync_counterparties_total",
			Help: "Counterparties handled by account-recovery resync, by outcome.",
		},
		[]string{"outcome"},
	)
)
