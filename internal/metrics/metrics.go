// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesMigratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailshift_messages_migrated_total",
		Help: "Messages appended to a destination store",
	})

	BytesMigratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailshift_bytes_migrated_total",
		Help: "Raw message bytes appended to a destination store",
	})

	TransferErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailshift_transfer_errors_total",
		Help: "Failed per-message transfers by stage",
	}, []string{"stage"})

	FoldersSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailshift_folders_skipped_total",
		Help: "Source folders skipped because they could not be locked or scanned",
	})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailshift_jobs_active",
		Help: "Migration jobs currently registered",
	})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailshift_jobs_finished_total",
		Help: "Migration jobs that reached a terminal status",
	}, []string{"status"})
)
