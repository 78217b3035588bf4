package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_service_dispatch_total",
		Help: "Notification sends by sender and result",
	}, []string{"sender", "result"})
	dispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alert_service_dispatch_dropped_total",
		Help: "Notifications dropped because the queue was full",
	})
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDropped)
}
