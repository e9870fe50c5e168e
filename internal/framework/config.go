package framework

import "time"

// RetrieverProperties configures the batching retriever.
type RetrieverProperties struct {
	TriggerCount           int           // waiting callers that force an immediate fetch
	PollingPeriod          time.Duration // max wait for TriggerCount before fetching anyway; 0 waits forever
	VisibilityTimeout      time.Duration // hidden period applied to fetched messages
	MaxWaitTime            time.Duration // long-poll duration of one fetch call
	MaxBatchSize           int           // cap on messages requested per fetch
	ErrorBackoff           time.Duration // pause after a failed fetch
	ReleaseUnclaimedOnStop bool          // reset visibility of buffered messages on stop
}

// BrokerProperties configures the worker pool.
type BrokerProperties struct {
	ConcurrencyLevel  int           // number of workers
	ProcessingTimeout time.Duration // per-message handler timeout; 0 is unbounded
}

// Validate checks the retriever properties against the client's batch limit.
func (p RetrieverProperties) Validate(limit int) error {
	if p.TriggerCount < 1 {
		return configErrorf("trigger count must be at least 1, got %d", p.TriggerCount)
	}
	if p.MaxBatchSize < 1 {
		return configErrorf("max batch size must be at least 1, got %d", p.MaxBatchSize)
	}
	if limit > 0 && p.MaxBatchSize > limit {
		return configErrorf("max batch size %d exceeds the queue protocol limit of %d", p.MaxBatchSize, limit)
	}
	if p.PollingPeriod < 0 || p.VisibilityTimeout < 0 || p.MaxWaitTime < 0 || p.ErrorBackoff < 0 {
		return configErrorf("retriever durations must not be negative")
	}
	return nil
}

// Validate checks the broker properties.
func (p BrokerProperties) Validate() error {
	if p.ConcurrencyLevel < 0 {
		return configErrorf("concurrency level must not be negative, got %d", p.ConcurrencyLevel)
	}
	if p.ProcessingTimeout < 0 {
		return configErrorf("processing timeout must not be negative")
	}
	return nil
}
