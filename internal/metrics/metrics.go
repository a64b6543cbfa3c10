// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "streambot"

// Metrics groups every collector the bot updates.
type Metrics struct {
	Events           *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Resolves         *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	Subscribers      prometheus.Gauge
	FramesSent       prometheus.Counter
	JournalDropped   prometheus.Counter
	JournalWritten   prometheus.Counter
	UploadsCompleted *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events consumed from the bus by kind.",
		}, []string{"kind"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled by command and outcome.",
		}, []string{"command", "outcome"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transport reconnects by client.",
		}, []string{"client"}),
		Resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Song lookups by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Number of pending song requests.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "subscribers",
			Help:      "Number of connected display subscribers.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "frames_sent_total",
			Help:      "Frames written to display subscribers.",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "dropped_total",
			Help:      "Journal entries dropped because the writer was behind.",
		}),
		JournalWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "written_total",
			Help:      "Journal entries written to disk.",
		}),
		UploadsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "uploads_total",
			Help:      "Journal uploads by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Events,
		m.Commands,
		m.Reconnects,
		m.Resolves,
		m.QueueDepth,
		m.Subscribers,
		m.FramesSent,
		m.JournalDropped,
		m.JournalWritten,
		m.UploadsCompleted,
	)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere. Used
// by tests and one-shot subcommands.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
