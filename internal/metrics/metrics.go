package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var backendsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "backends_connected",
	Help:      "Number of connected backends",
})

var chargerGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "charger_connected",
	Help:      "Whether a charger session is live",
})

var eventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "events_total",
	Help:      "Total charger events broadcast, by event type.",
}, []string{"type"})

var droppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "events_dropped_total",
	Help:      "Events dropped per backend due to a full send buffer.",
}, []string{"backend_id"})

var commandsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "commands_total",
	Help:      "Commands submitted to the charger, by type and outcome.",
}, []string{"type", "outcome"})

// ObserveBackends records the current backend count.
func ObserveBackends(count int) {
	backendsGauge.Set(float64(count))
}

// ObserveCharger records whether a charger session is live.
func ObserveCharger(connected bool) {
	if connected {
		chargerGauge.Set(1)
	} else {
		chargerGauge.Set(0)
	}
}

// ObserveEvent counts one broadcast event.
func ObserveEvent(eventType string) {
	eventsCounter.With(prometheus.Labels{"type": eventType}).Inc()
}

// ObserveDrop counts one dropped event for a backend.
func ObserveDrop(backendID string) {
	if backendID == "" {
		return
	}
	droppedCounter.With(prometheus.Labels{"backend_id": backendID}).Inc()
}

// ObserveCommand counts one command submission outcome.
func ObserveCommand(commandType, outcome string) {
	commandsCounter.With(prometheus.Labels{"type": commandType, "outcome": outcome}).Inc()
}
