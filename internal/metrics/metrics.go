// Package metrics defines the prometheus metrics exported by speedtracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrialsTotal counts completed trials by outcome: "ok", "probe_error"
	// or "storage_error".
	TrialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtracker_trials_total",
			Help: "Number of trials run, by result.",
		},
		[]string{"result"},
	)

	// TrialDuration is the time taken by each direction of a trial.
	TrialDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speedtracker_trial_duration_seconds",
			Help:    "Time taken by the download and upload subtests.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"direction"},
	)

	// Throughput is the rate measured by the last successful trial.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "speedtracker_throughput_mbps",
			Help: "Throughput measured by the last trial, in Mb/s.",
		},
		[]string{"direction"},
	)

	// RecordsWritten counts records appended to record files.
	RecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "speedtracker_records_written_total",
			Help: "Number of records written to record files.",
		},
	)

	// StoreErrors counts record store failures by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtracker_store_errors_total",
			Help: "Number of record store errors, by operation.",
		},
		[]string{"op"},
	)

	// CommandsTotal counts control commands by name. Unrecognized commands
	// are counted as "unknown".
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtracker_commands_total",
			Help: "Number of control channel commands served.",
		},
		[]string{"command"},
	)

	// ConnectionsTotal counts control channel connections by how they
	// ended, plus accept/listen failures.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtracker_connections_total",
			Help: "Number of control channel connections, by result.",
		},
		[]string{"result"},
	)
)
