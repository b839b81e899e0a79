package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session registry metrics
var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avsession_active_sessions",
			Help: "Number of live sessions",
		},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_sessions_created_total",
			Help: "Sessions created by session type",
		},
		[]string{"type"},
	)

	SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_sessions_destroyed_total",
			Help: "Sessions destroyed by session type",
		},
		[]string{"type"},
	)

	ActiveControllers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avsession_active_controllers",
			Help: "Number of live controllers",
		},
	)

	TopSessionChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avsession_top_session_changes_total",
			Help: "Times the top session changed",
		},
	)
)

// Command metrics
var (
	// CommandsDispatched counts dispatch outcomes; result is the error code
	// name or "ok".
	CommandsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_commands_dispatched_total",
			Help: "Control commands by command and result",
		},
		[]string{"command", "result"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avsession_command_handler_duration_seconds",
			Help:    "Time spent inside command handlers",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"command"},
	)
)

// Event metrics
var (
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_events_delivered_total",
			Help: "Callbacks invoked by event kind",
		},
		[]string{"kind"},
	)

	CallbackPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avsession_event_callback_panics_total",
			Help: "Subscriber callbacks that panicked",
		},
	)
)

// Cast metrics
var (
	CastTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_cast_transitions_total",
			Help: "Cast state transitions by target state and protocol",
		},
		[]string{"state", "protocol"},
	)

	DiscoveredDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avsession_discovered_devices",
			Help: "Cast devices seen by the last discovery scan",
		},
	)

	// DiscoveryScans counts network scans; result is ok, empty, timeout
	// or error.
	DiscoveryScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_discovery_scans_total",
			Help: "Network device scans by result",
		},
		[]string{"result"},
	)
)

// Tool server metrics
var (
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avsession_tool_calls_total",
			Help: "MCP tool calls by tool and result",
		},
		[]string{"tool", "result"},
	)
)
