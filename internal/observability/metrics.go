package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/mxbot/internal/commands"
)

// Metrics provides a centralized interface for collecting bot metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Command invocations by outcome and their handler latency
//   - Sync iterations and failures
//   - Sync store ingest latency and dropped events
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	dispatcher.AddObserver(metrics.CommandObserver())
//	store, _ := syncstore.Open(ctx, syncstore.Config{Metrics: metrics})
type Metrics struct {
	// CommandCounter counts finished command invocations.
	// Labels: command, status (success|error code)
	CommandCounter *prometheus.CounterVec

	// CommandDuration measures handler run time in seconds.
	// Labels: command
	// Buckets: 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 30s
	CommandDuration *prometheus.HistogramVec

	// MessagesReceived counts text messages routed to the dispatcher.
	MessagesReceived prometheus.Counter

	// SyncCounter counts sync iterations.
	// Labels: status (success|error)
	SyncCounter *prometheus.CounterVec

	// IngestDuration measures sync store ingest time in seconds.
	// Labels: status (success|error)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	IngestDuration *prometheus.HistogramVec

	// IngestedRooms counts rooms written by the sync store.
	IngestedRooms prometheus.Counter

	// DroppedEvents counts events the sync store did not keep.
	// Labels: reason (invalid|ignored)
	DroppedEvents *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (sync|store|dispatcher), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CommandCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxbot_commands_total",
				Help: "Total number of command invocations by command and status",
			},
			[]string{"command", "status"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxbot_command_duration_seconds",
				Help:    "Duration of command handlers in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"command"},
		),

		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mxbot_messages_received_total",
				Help: "Total number of text messages routed to the dispatcher",
			},
		),

		SyncCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxbot_syncs_total",
				Help: "Total number of sync iterations by status",
			},
			[]string{"status"},
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxbot_store_ingest_duration_seconds",
				Help:    "Duration of sync store ingest transactions in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"status"},
		),

		IngestedRooms: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mxbot_store_ingested_rooms_total",
				Help: "Total number of rooms written by the sync store",
			},
		),

		DroppedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxbot_store_dropped_events_total",
				Help: "Total number of events the sync store did not keep, by reason",
			},
			[]string{"reason"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxbot_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// MessageReceived counts one message routed to the dispatcher.
func (m *Metrics) MessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordSync records the outcome of one sync iteration.
func (m *Metrics) RecordSync(err error) {
	m.SyncCounter.WithLabelValues(status(err)).Inc()
	if err != nil {
		m.RecordError("sync", "request_failed")
	}
}

// ObserveIngest records one sync store ingest.
func (m *Metrics) ObserveIngest(rooms int, duration time.Duration, err error) {
	m.IngestDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
	if err != nil {
		m.RecordError("store", "ingest_failed")
		return
	}
	m.IngestedRooms.Add(float64(rooms))
}

// ObserveDropped counts one event the sync store did not keep.
func (m *Metrics) ObserveDropped(reason string) {
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

// CommandObserver returns a dispatcher observer that records command
// outcomes and handler latency.
func (m *Metrics) CommandObserver() commands.Observer {
	return commands.ObserverFunc(func(_ context.Context, evt commands.Event) {
		switch evt.Kind {
		case commands.EventComplete:
			m.CommandCounter.WithLabelValues(commandLabel(evt), "success").Inc()
			m.CommandDuration.WithLabelValues(commandLabel(evt)).Observe(evt.Duration.Seconds())
		case commands.EventError:
			code := commands.CodeInvocation
			if evt.Err != nil {
				code = evt.Err.Code
			}
			m.CommandCounter.WithLabelValues(commandLabel(evt), string(code)).Inc()
			if code == commands.CodeInvocation {
				m.CommandDuration.WithLabelValues(commandLabel(evt)).Observe(evt.Duration.Seconds())
				m.RecordError("dispatcher", string(code))
			}
		}
	})
}

// commandLabel uses the registered name so aliases share a series. Unknown
// commands collapse into one label to bound cardinality.
func commandLabel(evt commands.Event) string {
	if evt.Context != nil && evt.Context.Command != nil {
		return evt.Context.Command.Name
	}
	return "unknown"
}
