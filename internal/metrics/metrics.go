package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appDeploys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "app",
			Name:      "deploys_total",
			Help:      "Number of successful app deployments.",
		}, []string{"name"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of commanded app stops.",
		}, []string{"name"},
	)
	appCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "app",
			Name:      "crashes_total",
			Help:      "Number of unexpected app exits.",
		}, []string{"name"},
	)
	appOutputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "app",
			Name:      "output_lines_total",
			Help:      "Captured output lines relayed upstream.",
		}, []string{"name"},
	)
	appsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uda",
			Subsystem: "app",
			Name:      "running",
			Help:      "Currently running apps.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "protocol",
			Name:      "commands_total",
			Help:      "Handled commands by kind and outcome.",
		}, []string{"cmd", "outcome"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uda",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Event channel reconnect attempts.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		appDeploys, appStops, appCrashes, appOutputLines, appsRunning, commands, reconnects,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncDeploy(name string) { appDeploys.WithLabelValues(name).Inc() }
func IncStop(name string)   { appStops.WithLabelValues(name).Inc() }
func IncCrash(name string)  { appCrashes.WithLabelValues(name).Inc() }

func AddOutputLines(name string, n int) {
	appOutputLines.WithLabelValues(name).Add(float64(n))
}

func SetAppsRunning(n int)           { appsRunning.Set(float64(n)) }
func IncCommand(cmd, outcome string) { commands.WithLabelValues(cmd, outcome).Inc() }
func IncReconnect()                  { reconnects.Inc() }
