package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for MessagesProcessed.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// Fetch calls issued by the batching retriever
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dplistener_fetch_requests_total",
			Help: "Total number of batch fetch calls issued to the remote queue",
		},
		[]string{"queue"},
	)

	// Messages returned by fetch calls
	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dplistener_messages_fetched_total",
			Help: "Total number of messages returned by batch fetch calls",
		},
		[]string{"queue"},
	)

	// Fetch calls that failed
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dplistener_fetch_errors_total",
			Help: "Total number of failed batch fetch calls",
		},
		[]string{"queue"},
	)

	// Requested batch size per fetch
	FetchBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dplistener_fetch_batch_size",
			Help:    "Number of messages requested per fetch call",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 20, 50, 100},
		},
		[]string{"queue"},
	)

	// Messages processed, by outcome
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dplistener_messages_processed_total",
			Help: "Total number of messages processed, labelled by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Deletes that failed after successful processing
	DeleteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dplistener_delete_failures_total",
			Help: "Total number of failed deletes after successful processing",
		},
		[]string{"queue"},
	)

	// Handler duration
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dplistener_processing_duration_seconds",
			Help:    "Time spent in the message handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Workers currently processing a message
	WorkersBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dplistener_workers_busy",
			Help: "Number of broker workers currently processing a message",
		},
		[]string{"queue"},
	)

	// Callers currently blocked waiting for a message
	RetrieverWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dplistener_retriever_waiting",
			Help: "Number of callers blocked in the retriever waiting for a message",
		},
		[]string{"queue"},
	)
)
