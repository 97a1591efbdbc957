package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every gearlink collector. It is served on /metrics by the
// control API.
var Registry = prometheus.NewRegistry()

var (
	// CommandsTotal counts command round trips.
	// result: ok, device_error, timeout, transport_error, decode_error
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearlink_commands_total",
			Help: "Total number of commands sent to the device.",
		},
		[]string{"domain", "opcode", "result"},
	)

	// CommandLatency records the time from sending a command to its response.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gearlink_command_latency_seconds",
			Help:    "Round-trip latency of device commands.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"domain", "opcode"},
	)

	// NotificationsTotal counts inbound notifications by domain.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearlink_notifications_total",
			Help: "Total number of notifications received from the device.",
		},
		[]string{"domain"},
	)

	// DfuBytesWritten counts firmware bytes acknowledged by the device.
	DfuBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearlink_dfu_bytes_written_total",
			Help: "Firmware bytes acknowledged by the device.",
		},
		[]string{"component"},
	)

	// DfuState is 1 for the orchestrator's current state and 0 for all others.
	DfuState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gearlink_dfu_state",
			Help: "Current firmware update state (1 = active).",
		},
		[]string{"state"},
	)

	// CatalogChecksTotal counts update lookups by source.
	// source: cache, catalog
	CatalogChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearlink_catalog_checks_total",
			Help: "Total number of firmware update lookups.",
		},
		[]string{"source", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CommandsTotal,
		CommandLatency,
		NotificationsTotal,
		DfuBytesWritten,
		DfuState,
		CatalogChecksTotal,
	)
}

// SetDfuState marks state as the only active orchestrator state.
func SetDfuState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		DfuState.WithLabelValues(s).Set(v)
	}
}
