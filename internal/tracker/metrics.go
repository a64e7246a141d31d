package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_connections_accepted_total",
		Help: "Number of control connections accepted by the tracker.",
	})
	framesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_frames_handled_total",
		Help: "Number of control frames dispatched by the tracker, by flag.",
	}, []string{"flag"})
	peersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_peers_reaped_total",
		Help: "Number of peers whose inventory was reaped on disconnect.",
	})
	filesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_files_known",
		Help: "Number of distinct files currently held by at least one peer.",
	})
)
