package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_service_events_ingested_total",
			Help: "Events persisted, by kind.",
		},
		[]string{"kind"},
	)
	correlations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_service_correlations_total",
			Help: "Correlation attempts, by result (matched|miss|conflict).",
		},
		[]string{"result"},
	)
	alertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_service_alerts_total",
			Help: "Alerts persisted, by rule type and severity.",
		},
		[]string{"rule_type", "severity"},
	)
	alertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_service_alerts_suppressed_total",
			Help: "Candidate alerts dropped inside the cool-down window.",
		},
		[]string{"rule_type"},
	)
)

func init() {
	prometheus.MustRegister(eventsIngested, correlations, alertsFired, alertsSuppressed)
}
