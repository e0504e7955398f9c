/*
Package jobqueue configuration - tunable parameters for the River job queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher throughput (more concurrent thread runs)
- Each worker holds an LLM call and possibly tracker calls open, so size
  against provider rate limits, not CPU

### Reliability:
- MaxAttempts stays at 1. Thread work is not idempotent: a replayed job can
  publish a tracker item twice or send a duplicate request to a human.
  Failures are surfaced via River's job table for manual inspection.

## Database Requirements:
- PostgreSQL with River schema migrations applied
- Connection pool sized for MaxWorkers concurrent jobs
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue.
type QueueConfig struct {
	// MaxWorkers is the number of concurrent workers processing thread
	// work (default: 4).
	MaxWorkers int

	// JobTimeout bounds a single thread run, including LLM retries and
	// tracker queries (default: 5 minutes).
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		// A thread run is LLM-bound; a handful of workers saturates most
		// provider quotas.
		MaxWorkers: 4,

		// A run that spends 5 minutes resolving is stuck, not slow.
		JobTimeout: 5 * time.Minute,
	}
}

// GetQueueConfig returns the active configuration.
func GetQueueConfig() *QueueConfig {
	return DefaultQueueConfig()
}

// RiverQueueConfig converts our config to River's queue configuration format.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
