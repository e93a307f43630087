package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kandev/browserpilot/internal/task/models"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpilot",
		Name:      "sessions_started_total",
		Help:      "Number of sessions accepted by the registry.",
	})
	metricSessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpilot",
		Name:      "sessions_finished_total",
		Help:      "Number of sessions that ended, by outcome.",
	}, []string{"outcome"})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserpilot",
		Name:      "sessions_active",
		Help:      "Sessions currently held by the registry.",
	})
	metricEngineSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserpilot",
		Name:      "engine_slots_in_use",
		Help:      "Engine slots currently acquired.",
	})
	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpilot",
		Name:      "steps_total",
		Help:      "Steps persisted, by type.",
	}, []string{"type"})
	metricSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpilot",
		Name:      "subscriber_drops_total",
		Help:      "Subscribers removed after a failed delivery.",
	})
)

func recordSessionStarted() {
	metricSessionsStarted.Inc()
	metricActiveSessions.Inc()
}

func recordSessionFinished(o outcomeKind) {
	metricSessionsFinished.WithLabelValues(string(o)).Inc()
	metricActiveSessions.Dec()
}

func recordSlot(delta float64) {
	metricEngineSlots.Add(delta)
}

func recordStep(t models.StepType) {
	metricSteps.WithLabelValues(string(t)).Inc()
}

func recordSubscriberDrop() {
	metricSubscriberDrops.Inc()
}
