package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycles counts fetch cycles by device variant, trigger (scheduled/manual)
	// and outcome (ok/connection_error/auth_error/error).
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biosync_cycles_total",
		Help: "Total number of device fetch cycles",
	}, []string{"variant", "trigger", "status"})

	// CycleDuration measures a full fetch-normalize-dispatch cycle.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "biosync_cycle_duration_seconds",
		Help:    "Duration of a device fetch cycle in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	// Punches counts raw punches by what happened to them:
	// dispatched, failed, unmapped, filtered.
	Punches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biosync_punches_total",
		Help: "Total number of punches seen, by outcome",
	}, []string{"variant", "outcome"})

	// LiveReconnects counts live-capture session restarts.
	LiveReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biosync_live_reconnects_total",
		Help: "Total number of live-capture reconnect attempts",
	})

	// TokenRefreshes counts cloud API token acquisitions.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biosync_token_refreshes_total",
		Help: "Total number of cloud API token requests",
	}, []string{"status"})

	LiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "biosync_live_workers",
		Help: "Number of running live-capture workers",
	})

	ScheduledDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "biosync_scheduled_devices",
		Help: "Number of devices with an armed fetch timer",
	})

	// LedgerHealthy is 1 while the AMQP ledger connection is up.
	LedgerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "biosync_ledger_healthy",
		Help: "Current health of the ledger broker connection (1 healthy, 0 unhealthy)",
	})
)
