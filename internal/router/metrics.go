package router

import "github.com/prometheus/client_golang/prometheus"

// Metric names and label sets match the original Python Counter
// definitions exactly (spec §4.B, "[DOMAIN] Metrics").
var (
	ReceivedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_received_events",
		Help: "Number of incoming events",
	}, []string{"type"})
	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_dropped_events",
		Help: "Number of events with no target appservice",
	}, []string{"type"})
	AcceptedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_accepted_events",
		Help: "Number of events that have a target appservice",
	}, []string{"owner", "bridge", "type"})
	SuccessfulEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_successful_events",
		Help: "Number of PDUs that were successfully sent to the target appservice",
	}, []string{"owner", "bridge", "type"})
	FailedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_failed_events",
		Help: "Number of PDUs that failed to send to the target appservice",
	}, []string{"owner", "bridge", "type"})
)

func init() {
	prometheus.MustRegister(ReceivedEvents, DroppedEvents, AcceptedEvents, SuccessfulEvents, FailedEvents)
}
