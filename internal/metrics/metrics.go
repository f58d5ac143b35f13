package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	SIPMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_messages_total",
		Help: "Total number of SIP messages.",
	}, []string{"method", "direction"}) // IN/OUT

	SIPResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_responses_total",
		Help: "SIP responses sent, by request method and status code.",
	}, []string{"method", "code"})

	SIPHandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sip_handler_duration_seconds",
		Help:    "Time spent in SIP request handlers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	SIPRegistrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sip_registrations",
		Help: "Number of reader contact bindings held by the registrar.",
	})

	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_admissions_total",
		Help: "Admission decisions by result.",
	}, []string{"result"})

	SessionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emergency_sessions_in_flight",
		Help: "Sessions holding a capacity slot.",
	})

	SessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_sessions_terminated_total",
		Help: "Sessions reaching a terminal state, by status and reason.",
	}, []string{"status", "reason"})

	EscalationFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_escalation_fires_total",
		Help: "Escalation ladder rungs fired, by level.",
	}, []string{"level"})

	Acceptances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_acceptances_total",
		Help: "Acceptance attempts by result.",
	}, []string{"result"})

	RecordingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emergency_recording_failures_total",
		Help: "Recording failures raised as immediate alerts.",
	})

	Extensions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_extensions_total",
		Help: "Extension commits by result.",
	}, []string{"result"})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPInFlight, HTTPRequests, HTTPDuration,
		SIPMessages, SIPResponses, SIPHandlerDuration, SIPRegistrations,
		Admissions, SessionsInFlight, SessionsTerminated,
		EscalationFires, Acceptances, RecordingFailures, Extensions,
	)
}
