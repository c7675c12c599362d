package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentbud_session_transitions_total",
			Help: "Session state transitions by target status.",
		},
		[]string{"status"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talentbud_active_sessions",
			Help: "Live interview sessions currently registered.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentbud_messages_total",
			Help: "Transcript messages by source and outcome (appended/duplicate/dropped).",
		},
		[]string{"source", "outcome"},
	)

	checkpointAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentbud_checkpoint_advances_total",
			Help: "Checkpoint advances by reached checkpoint id.",
		},
		[]string{"checkpoint"},
	)

	persistenceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentbud_persistence_calls_total",
			Help: "Async persistence calls by kind and result.",
		},
		[]string{"kind", "result"},
	)

	persistenceLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talentbud_persistence_latency_ms",
			Help:    "Async persistence call latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600, 5000},
		},
		[]string{"kind"},
	)

	transportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentbud_transport_events_total",
			Help: "Agent transport lifecycle events (connected/error/reconnecting/reconnected/reconnect_failed/disconnected).",
		},
		[]string{"event"},
	)
)

// MustRegister 将指标注册到默认 registry（幂等）。
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			sessionTransitions, activeSessions,
			messagesTotal, checkpointAdvances,
			persistenceCalls, persistenceLatencyMs,
			transportEvents,
		)
	})
}

func SessionTransition(status string) { sessionTransitions.WithLabelValues(status).Inc() }

func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

func Message(source, outcome string) { messagesTotal.WithLabelValues(source, outcome).Inc() }

func CheckpointAdvanced(id string) { checkpointAdvances.WithLabelValues(id).Inc() }

// PersistenceCall 记录一次持久化调用的结果与耗时。
func PersistenceCall(kind string, ok bool, latencyMs float64) {
	result := "ok"
	if !ok {
		result = "error"
	}
	persistenceCalls.WithLabelValues(kind, result).Inc()
	persistenceLatencyMs.WithLabelValues(kind).Observe(latencyMs)
}

func TransportEvent(event string) { transportEvents.WithLabelValues(event).Inc() }
