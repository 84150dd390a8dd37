package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges the engines report into. A single
// instance is shared; the HTTP binding decides whether to expose the registry.
type Metrics struct {
	Registry *prometheus.Registry

	PollOverruns      prometheus.Counter
	PollTicks         prometheus.Counter
	PollFailures      *prometheus.CounterVec
	ReadingsPublished prometheus.Counter
	DroppedReadings   *prometheus.CounterVec
	AlertsCreated     *prometheus.CounterVec
	AlertsSuppressed  prometheus.Counter
	ScheduleFirings   *prometheus.CounterVec
	RollupRuns        *prometheus.CounterVec
	MonitoredDevices  prometheus.Gauge
}

// New creates and registers all monitor metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PollOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugwatch_poll_overruns_total",
			Help: "Poll ticks skipped because the previous tick was still running",
		}),
		PollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugwatch_poll_ticks_total",
			Help: "Poll ticks started",
		}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugwatch_poll_failures_total",
			Help: "Device snapshot failures by device",
		}, []string{"device_id"}),
		ReadingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugwatch_readings_published_total",
			Help: "Readings published to the bus",
		}),
		DroppedReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugwatch_dropped_readings_total",
			Help: "Readings dropped per slow subscriber",
		}, []string{"subscriber"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugwatch_alerts_created_total",
			Help: "Alert instances created by severity",
		}, []string{"severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugwatch_alerts_suppressed_total",
			Help: "Rule matches swallowed by an active suppression",
		}),
		ScheduleFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugwatch_schedule_firings_total",
			Help: "Schedule rule firings by outcome",
		}, []string{"outcome"}),
		RollupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugwatch_rollup_runs_total",
			Help: "Rollup job runs by bucket kind",
		}, []string{"bucket"}),
		MonitoredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugwatch_monitored_devices",
			Help: "Devices currently in the monitored state",
		}),
	}

	reg.MustRegister(
		m.PollOverruns, m.PollTicks, m.PollFailures,
		m.ReadingsPublished, m.DroppedReadings,
		m.AlertsCreated, m.AlertsSuppressed,
		m.ScheduleFirings, m.RollupRuns, m.MonitoredDevices,
	)

	return m
}
