package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PortsLeased = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "examrt_ports_leased",
			Help: "Ports currently leased by this instance (per range)",
		},
		[]string{"range"},
	)

	PortAllocationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examrt_port_allocation_failures_total",
			Help: "Port allocations that failed because a range was exhausted (per range)",
		},
		[]string{"range"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examrt_session_transitions_total",
			Help: "Session state machine transitions (per target state)",
		},
		[]string{"state"},
	)

	RuntimeSpawnSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examrt_runtime_spawn_seconds",
			Help:    "Time to spawn and health-verify a desktop+shell container pair",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"result"},
	)

	TerminalClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "examrt_terminal_clients",
			Help: "Client sockets attached to terminal upstreams on this instance",
		},
	)

	TerminalUpstreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "examrt_terminal_upstreams",
			Help: "Open upstream shell connections on this instance",
		},
	)

	CountdownTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "examrt_countdown_timers",
			Help: "Exam countdown timers ticking on this instance",
		},
	)

	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examrt_security_events_total",
			Help: "Denied isolation or ownership checks (per event)",
		},
		[]string{"event"},
	)
)
