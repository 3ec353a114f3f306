package handoff

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the escalation subsystem.
type Metrics struct {
	EscalationsTotal *prometheus.CounterVec
	RoutingTotal     *prometheus.CounterVec
	ResolutionsTotal *prometheus.CounterVec
	NotifyFailures   prometheus.Counter
	SlotsReleased    prometheus.Counter
	TimeToAssign     prometheus.Histogram
	TimeToResolve    prometheus.Histogram
	QueueDrained     prometheus.Counter
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_escalations_total",
			Help: "Escalations created, by trigger type and derived priority.",
		}, []string{"trigger", "priority"}),
		RoutingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_routing_total",
			Help: "Routing attempts by strategy and outcome (assigned or queued).",
		}, []string{"strategy", "outcome"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_resolutions_total",
			Help: "Resolved escalations, by whether control returned to automation.",
		}, []string{"returned_to_automation"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_notify_failures_total",
			Help: "Notification publishes that failed and were dropped.",
		}),
		SlotsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_operator_slots_released_total",
			Help: "Operator capacity slots released on resolution.",
		}),
		TimeToAssign: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "handoff_time_to_assign_seconds",
			Help:    "Time from escalation creation to operator assignment.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}),
		TimeToResolve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "handoff_time_to_resolve_seconds",
			Help:    "Time from escalation creation to resolution.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s .. ~5.6h
		}),
		QueueDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_queue_drained_total",
			Help: "Pending escalations assigned by queue processing.",
		}),
	}

	reg.MustRegister(
		m.EscalationsTotal,
		m.RoutingTotal,
		m.ResolutionsTotal,
		m.NotifyFailures,
		m.SlotsReleased,
		m.TimeToAssign,
		m.TimeToResolve,
		m.QueueDrained,
	)

	return m
}
