package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshgate",
			Name:      "realtime_connections",
			Help:      "Number of currently open realtime connections.",
		},
	)

	subscriptionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshgate",
			Name:      "realtime_subscriptions",
			Help:      "Number of active channel subscriptions.",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "realtime_broadcasts_total",
			Help:      "Total number of broadcast frames fanned out, by channel.",
		},
		[]string{"channel"},
	)

	droppedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "realtime_dropped_frames_total",
			Help:      "Total number of frames dropped due to full send buffers.",
		},
	)

	subscribeRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "realtime_subscribe_rejections_total",
			Help:      "Total number of rejected channel subscription attempts.",
		},
	)
)
