// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatclaw"

var (
	MessagesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_recorded_total",
		Help:      "Inbound messages by ingestion outcome (stored, command, spam, error).",
	}, []string{"outcome"})
	Replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_total",
		Help:      "Replies sent, by the response branch that produced them.",
	}, []string{"branch"})
	StyleLabels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "style_labels_total",
		Help:      "Observed messages by style label.",
	}, []string{"label"})
	MiningPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mining_passes_total",
		Help:      "Mining and cleanup passes by kind and result.",
	}, []string{"kind", "result"})
	TriggersPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_promoted_total",
		Help:      "Phrases promoted into learned triggers.",
	})
	TriggersKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "triggers_known",
		Help:      "Learned triggers currently in the store.",
	})
	Encouragements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "silence_encouragements_total",
		Help:      "Encouragement messages sent after a silent period.",
	})
	Energy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mood_energy",
		Help:      "Current process-wide energy level (0-100).",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObservePass counts a finished mining or cleanup pass.
func ObservePass(kind string, ok bool) {
	MiningPasses.WithLabelValues(kind, result(ok)).Inc()
}
