package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendBudgetGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "throttle_send_budget",
			Help: "Current outbound request slots available to a peer",
		},
		[]string{"peer_id"},
	)

	recvBudgetGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "throttle_recv_budget",
			Help: "Current inbound request slots granted by this instance",
		},
		[]string{"peer_id"},
	)

	creditsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_credits_issued_total",
			Help: "Total number of Credit grants dispatched",
		},
		[]string{"peer_id"},
	)

	creditsAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_credits_acked_total",
			Help: "Total number of Credit grants acknowledged or implicitly proven delivered",
		},
		[]string{"peer_id"},
	)

	creditsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_credits_retried_total",
			Help: "Total number of Credit grant resubmissions after OutboundFailure or connection loss",
		},
		[]string{"peer_id"},
	)

	inboundDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_inbound_drops_total",
			Help: "Total number of inbound requests dropped for exceeding recv_budget",
		},
		[]string{"peer_id"},
	)
)
