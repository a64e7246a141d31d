package seeder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seeder_replies_total",
		Help: "Number of REPLY datagrams sent by the seeder.",
	})
	dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeder_drops_total",
		Help: "Number of REQUEST datagrams dropped by the seeder, by reason.",
	}, []string{"reason"})
)
