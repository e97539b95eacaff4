// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_fetch_total",
			Help: "Provider requests per location by outcome",
		},
		[]string{"mode", "outcome"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_records_total",
			Help: "Normalized forecast records handed to the upsert engine",
		},
		[]string{"mode"},
	)

	SamplesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_samples_skipped_total",
			Help: "Provider samples not turned into records",
		},
		[]string{"mode", "reason"},
	)

	ForecastsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_forecasts_upserted_total",
			Help: "Forecast rows inserted or updated",
		},
		[]string{"mode"},
	)

	PrecipitationInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_precipitation_inserted_total",
			Help: "Rain and snow rows inserted",
		},
		[]string{"kind"},
	)

	BatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_ingest_batch_failures_total",
			Help: "Batches whose store transaction was rolled back",
		},
		[]string{"mode", "stage"},
	)

	LocationsMarkedUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weather_ingest_locations_marked_unavailable_total",
			Help: "Locations flagged as having no further history",
		},
	)

	RunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weather_ingest_run_duration_seconds",
			Help:    "Wall time of a full pipeline run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
		[]string{"mode"},
	)
)
